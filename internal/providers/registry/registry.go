package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"chime/internal/metrics"
	"chime/internal/providers"
	"chime/internal/providers/openai_compat"
	"chime/internal/storage"
)

const deepseekSystemPrompt = "You are a helpful assistant"

var ErrNoDefaultProvider = errors.New("no default provider configured")

type BuildOptions struct {
	Provider   storage.Provider
	APIKey     string
	Catalog    openai_compat.Catalog
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Build maps a provider row onto its client implementation.
func Build(opts BuildOptions) (providers.Client, error) {
	kind, err := providers.ParseKind(opts.Provider.Kind)
	if err != nil {
		return nil, err
	}
	cfg := openai_compat.Config{
		Kind:         kind,
		ProviderID:   opts.Provider.ID,
		ProviderName: opts.Provider.Name,
		BaseURL:      opts.Provider.BaseURL,
		APIKey:       opts.APIKey,
		Catalog:      opts.Catalog,
		HTTPClient:   opts.HTTPClient,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	}
	switch kind {
	case providers.KindDeepseek:
		cfg.SystemPrompt = deepseekSystemPrompt
	case providers.KindOpenRouter:
		cfg.AllowImages = true
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
	return openai_compat.New(cfg), nil
}

type Catalog interface {
	openai_compat.Catalog
	GetDefaultProvider(ctx context.Context) (storage.Provider, error)
	FindModelByName(ctx context.Context, name string) (storage.ModelWithProvider, error)
}

type KeySource interface {
	ActiveKeyFor(ctx context.Context, providerType string) (string, error)
}

type ResolverConfig struct {
	Catalog    Catalog
	Keys       KeySource
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Resolver picks the client for a model name. The default provider is fixed
// at construction; other providers get a fresh client per call.
type Resolver struct {
	cfg             ResolverConfig
	defaultProvider storage.Provider
	defaultClient   providers.Client
}

func NewResolver(ctx context.Context, cfg ResolverConfig) (*Resolver, error) {
	p, err := cfg.Catalog.GetDefaultProvider(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoDefaultProvider
		}
		return nil, fmt.Errorf("load default provider: %w", err)
	}
	r := &Resolver{cfg: cfg, defaultProvider: p}
	client, err := r.build(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("build default provider %s: %w", p.Name, err)
	}
	r.defaultClient = client
	return r, nil
}

func (r *Resolver) Default() providers.Client {
	return r.defaultClient
}

func (r *Resolver) DefaultProvider() storage.Provider {
	return r.defaultProvider
}

// Resolve never fails for unknown models; those fall back to the default
// client and are rejected later by its validation.
func (r *Resolver) Resolve(ctx context.Context, model string) (providers.Client, error) {
	if model == "" {
		return r.defaultClient, nil
	}
	mp, err := r.cfg.Catalog.FindModelByName(ctx, model)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.cfg.Logger.Warn().Err(err).Str("model", model).Msg("model lookup failed, using default provider")
		}
		return r.defaultClient, nil
	}
	if mp.ProviderID == r.defaultProvider.ID {
		return r.defaultClient, nil
	}
	client, err := r.build(ctx, mp.Provider)
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", mp.Provider.Name, err)
	}
	return client, nil
}

func (r *Resolver) build(ctx context.Context, p storage.Provider) (providers.Client, error) {
	key, err := r.cfg.Keys.ActiveKeyFor(ctx, p.Kind)
	if err != nil {
		return nil, err
	}
	return Build(BuildOptions{
		Provider:   p,
		APIKey:     key,
		Catalog:    r.cfg.Catalog,
		HTTPClient: r.cfg.HTTPClient,
		Logger:     r.cfg.Logger,
		Metrics:    r.cfg.Metrics,
	})
}
