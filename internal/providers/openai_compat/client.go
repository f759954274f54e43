package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chime/internal/metrics"
	"chime/internal/providers"
	"chime/internal/storage"
)

// Catalog is the model lookup the client validates against.
type Catalog interface {
	FindModel(ctx context.Context, providerID int64, name string) (storage.Model, error)
	DefaultModelForProvider(ctx context.Context, providerID int64) (storage.Model, error)
}

type Config struct {
	Kind         providers.Kind
	ProviderID   int64
	ProviderName string
	BaseURL      string
	APIKey       string
	Catalog      Catalog
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics

	// Prepended as a system message when set.
	SystemPrompt string

	// Send image parts when the model supports files.
	AllowImages bool
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = string(cfg.Kind)
	}
	cfg.Logger = cfg.Logger.With().Str("provider", cfg.ProviderName).Logger()
	return &Client{cfg: cfg}
}

var _ providers.Client = (*Client)(nil)

func (c *Client) Kind() providers.Kind { return c.cfg.Kind }

func (c *Client) ProviderName() string { return c.cfg.ProviderName }

func (c *Client) lookup(ctx context.Context, name string) (storage.Model, bool) {
	m, err := c.cfg.Catalog.FindModel(ctx, c.cfg.ProviderID, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.cfg.Logger.Warn().Err(err).Str("model", name).Msg("model lookup failed")
		}
		return storage.Model{}, false
	}
	return m, true
}

func (c *Client) ValidateModel(ctx context.Context, name string) bool {
	m, ok := c.lookup(ctx, name)
	valid := ok && m.IsActive
	c.cfg.Logger.Debug().Str("model", name).Bool("valid", valid).Msg("model validation")
	return valid
}

func (c *Client) ValidateTemperature(ctx context.Context, name string, t float64) bool {
	m, ok := c.lookup(ctx, name)
	return ok && t >= m.MinTemperature && t <= m.MaxTemperature
}

func (c *Client) DefaultTemperature(ctx context.Context, name string) float64 {
	if m, ok := c.lookup(ctx, name); ok {
		return m.DefaultTemperature
	}
	return providers.DefaultTemperature
}

func (c *Client) ResolveEndpoint(ctx context.Context, name string) string {
	if m, ok := c.lookup(ctx, name); ok && strings.TrimSpace(m.Endpoint) != "" {
		return m.Endpoint
	}
	return providers.DefaultEndpoint
}

func (c *Client) SupportsFiles(ctx context.Context, name string) bool {
	m, ok := c.lookup(ctx, name)
	return ok && m.SupportsFiles
}

func (c *Client) AcceptsImages(ctx context.Context, name string) bool {
	return c.cfg.AllowImages && c.SupportsFiles(ctx, name)
}

func (c *Client) ResolveOptions(ctx context.Context, model string, temperature *float64) (string, float64, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		m, err := c.cfg.Catalog.DefaultModelForProvider(ctx, c.cfg.ProviderID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", 0, fmt.Errorf("%w: provider %s has no active model", providers.ErrInvalidModel, c.cfg.ProviderName)
			}
			return "", 0, fmt.Errorf("load default model: %w", err)
		}
		model = m.Name
	}
	if !c.ValidateModel(ctx, model) {
		return "", 0, fmt.Errorf("%w: %s", providers.ErrInvalidModel, model)
	}
	if temperature != nil {
		if !c.ValidateTemperature(ctx, model, *temperature) {
			return "", 0, fmt.Errorf("%w: %v for %s", providers.ErrInvalidTemperature, *temperature, model)
		}
		return model, *temperature, nil
	}
	return model, c.DefaultTemperature(ctx, model), nil
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResult, error) {
	model, temperature, err := c.ResolveOptions(ctx, req.Model, req.Temperature)
	if err != nil {
		return providers.ChatResult{}, err
	}
	body, endpointURL, err := c.buildPayload(ctx, req, model, temperature, false)
	if err != nil {
		return providers.ChatResult{}, err
	}

	resp, err := c.do(ctx, endpointURL, body)
	if err != nil {
		return providers.ChatResult{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResult{}, fmt.Errorf("read response body: %w", err)
	}
	out, err := parseChatCompletions(respBody)
	if err != nil {
		return providers.ChatResult{}, err
	}
	out.Model = model
	out.Temperature = temperature
	return out, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest) (io.ReadCloser, error) {
	model, temperature, err := c.ResolveOptions(ctx, req.Model, req.Temperature)
	if err != nil {
		return nil, err
	}
	body, endpointURL, err := c.buildPayload(ctx, req, model, temperature, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, endpointURL, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do sends one request. Non-2xx answers are drained into an UpstreamError.
func (c *Client) do(ctx context.Context, endpointURL string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	c.cfg.Metrics.UpstreamLatency.WithLabelValues(c.cfg.ProviderName).Observe(time.Since(start).Seconds())
	if err != nil {
		c.cfg.Metrics.UpstreamRequests.WithLabelValues(c.cfg.ProviderName, "error").Inc()
		return nil, fmt.Errorf("%s request failed: %w", c.cfg.ProviderName, err)
	}
	c.cfg.Metrics.UpstreamRequests.WithLabelValues(c.cfg.ProviderName, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		c.cfg.Logger.Warn().Int("status", resp.StatusCode).Msg("upstream returned error status")
		return nil, &providers.UpstreamError{
			Provider:   c.cfg.ProviderName,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}
	return resp, nil
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

func (c *Client) buildPayload(ctx context.Context, req providers.ChatRequest, model string, temperature float64, stream bool) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL(c.ResolveEndpoint(ctx, model))
	if err != nil {
		return nil, "", err
	}

	messages := make([]wireMessage, 0, len(req.History)+2)
	if strings.TrimSpace(c.cfg.SystemPrompt) != "" {
		messages = append(messages, wireMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	if len(req.Images) > 0 && c.AcceptsImages(ctx, model) {
		parts := []contentPart{{Type: "text", Text: req.Message}}
		for _, img := range req.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.URL}})
		}
		messages = append(messages, wireMessage{Role: "user", Content: parts})
	} else {
		messages = append(messages, wireMessage{Role: "user", Content: req.Message})
	}

	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
		"stream":      stream,
	}
	if stream {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildEndpointURL(endpoint string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		base = c.cfg.Kind.DefaultBaseURL()
	}
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	return u.String(), nil
}

func parseChatCompletions(body []byte) (providers.ChatResult, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content          any    `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResult{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResult{}, fmt.Errorf("empty choices in chat completion response")
	}
	out := providers.ChatResult{
		Content:          anyToText(resp.Choices[0].Message.Content),
		ReasoningContent: resp.Choices[0].Message.ReasoningContent,
	}
	if resp.Usage != nil {
		out.TotalTokens = resp.Usage.TotalTokens
	}
	return out, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
