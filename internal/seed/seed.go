package seed

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"chime/internal/providers"
	"chime/internal/secrets"
	"chime/internal/storage"
)

type Config struct {
	Store  *storage.Store
	Sealer *secrets.Sealer

	// APIKeys maps provider type to plaintext key, as parsed from MODELS_API_KEY.
	APIKeys map[string]string
	Logger  zerolog.Logger
}

var deepseekModels = []storage.Model{
	{
		Name:               "deepseek-chat",
		DisplayName:        "Deepseek Chat",
		Endpoint:           providers.DefaultEndpoint,
		MinTemperature:     0.1,
		MaxTemperature:     1.0,
		DefaultTemperature: 0.7,
		CanAccessWeb:       true,
		IsActive:           true,
	},
	{
		Name:               "deepseek-reasoner",
		DisplayName:        "Deepseek Reasoner",
		Endpoint:           providers.DefaultEndpoint,
		MinTemperature:     0.1,
		MaxTemperature:     0.8,
		DefaultTemperature: 0.5,
		CanReason:          true,
		CanAccessWeb:       true,
		IsActive:           true,
	},
}

// Run stores the configured API keys and creates providers for the kinds that
// have one. It can run on every start.
func Run(ctx context.Context, cfg Config) error {
	keys := secrets.NewKeyStore(cfg.Store, cfg.Sealer)

	types := make([]string, 0, len(cfg.APIKeys))
	for t := range cfg.APIKeys {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if err := putKey(ctx, cfg, keys, t, cfg.APIKeys[t]); err != nil {
			return err
		}
	}

	var seeded []int64
	for _, kind := range []providers.Kind{providers.KindDeepseek, providers.KindOpenRouter} {
		ok, err := cfg.Store.HasActiveAPIKey(ctx, string(kind))
		if err != nil {
			return fmt.Errorf("check api key for %s: %w", kind, err)
		}
		if !ok {
			continue
		}
		id, err := cfg.Store.UpsertProvider(ctx, storage.Provider{
			Name:    string(kind),
			Kind:    string(kind),
			BaseURL: kind.DefaultBaseURL(),
		})
		if err != nil {
			return fmt.Errorf("seed provider %s: %w", kind, err)
		}
		seeded = append(seeded, id)
		if kind == providers.KindDeepseek {
			if err := seedModels(ctx, cfg.Store, id, deepseekModels); err != nil {
				return err
			}
		}
		cfg.Logger.Info().Str("provider", string(kind)).Int64("provider_id", id).Msg("provider seeded")
	}

	if len(seeded) == 0 {
		cfg.Logger.Warn().Msg("no api keys configured, nothing seeded")
		return nil
	}
	_, err := cfg.Store.GetDefaultProvider(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load default provider: %w", err)
	}
	if err := cfg.Store.SetDefaultProvider(ctx, seeded[0]); err != nil {
		return fmt.Errorf("set default provider: %w", err)
	}
	return nil
}

// putKey skips the write when the active key already holds the same value, so
// repeated runs do not pile up rotated rows.
func putKey(ctx context.Context, cfg Config, keys *secrets.KeyStore, providerType, plain string) error {
	current, err := keys.ActiveKeyFor(ctx, providerType)
	switch {
	case err == nil && current == plain:
		return nil
	case err != nil && !errors.Is(err, secrets.ErrNoActiveKey):
		cfg.Logger.Warn().Err(err).Str("provider_type", providerType).Msg("replacing unreadable api key")
	}
	sealed, err := cfg.Sealer.SealString(plain)
	if err != nil {
		return fmt.Errorf("seal api key for %s: %w", providerType, err)
	}
	if err := cfg.Store.PutAPIKey(ctx, providerType, sealed); err != nil {
		return fmt.Errorf("store api key for %s: %w", providerType, err)
	}
	return nil
}

func seedModels(ctx context.Context, store *storage.Store, providerID int64, models []storage.Model) error {
	var first int64
	for _, m := range models {
		m.ProviderID = providerID
		normalizeSettings(&m)
		id, err := store.UpsertModel(ctx, m)
		if err != nil {
			return fmt.Errorf("seed model %s: %w", m.Name, err)
		}
		if first == 0 {
			first = id
		}
	}
	_, err := store.DefaultModel(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load default model: %w", err)
	}
	if err := store.SetDefaultModel(ctx, first); err != nil {
		return fmt.Errorf("set default model: %w", err)
	}
	return nil
}

// normalizeSettings moves a supports_files flag out of additional_settings into
// the column, which is the only place file support is read from.
func normalizeSettings(m *storage.Model) {
	v, ok := m.AdditionalSettings["supports_files"]
	if !ok {
		return
	}
	if b, isBool := v.(bool); isBool {
		m.SupportsFiles = b
	}
	rest := make(map[string]any, len(m.AdditionalSettings)-1)
	for k, val := range m.AdditionalSettings {
		if k != "supports_files" {
			rest[k] = val
		}
	}
	m.AdditionalSettings = rest
}
