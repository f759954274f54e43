package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

type Kind string

const (
	KindDeepseek   Kind = "deepseek"
	KindOpenRouter Kind = "openrouter"
)

const (
	DefaultEndpoint    = "/chat/completions"
	DefaultTemperature = 0.7
)

var (
	ErrInvalidModel       = errors.New("invalid model specified")
	ErrInvalidTemperature = errors.New("invalid temperature for the specified model")
	ErrUnknownKind        = errors.New("unknown provider kind")
)

func ParseKind(v string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(v))) {
	case KindDeepseek:
		return KindDeepseek, nil
	case KindOpenRouter:
		return KindOpenRouter, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownKind, v)
	}
}

func (k Kind) DefaultBaseURL() string {
	switch k {
	case KindDeepseek:
		return "https://api.deepseek.com"
	case KindOpenRouter:
		return "https://openrouter.ai/api/v1"
	default:
		return ""
	}
}

// UpstreamError is a non-2xx answer from a provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s api error: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ImageInput is an image the user attached; URL is usually a data URI.
type ImageInput struct {
	Name string
	URL  string
}

type ChatRequest struct {
	Message string
	History []Message
	Images  []ImageInput

	// Empty selects the provider's default active model.
	Model string

	// Nil selects the model's default temperature.
	Temperature *float64
}

type ChatResult struct {
	Content          string
	ReasoningContent string
	TotalTokens      int64
	Model            string
	Temperature      float64
}

// Client talks to one provider. Implementations hold no per-request state.
type Client interface {
	Kind() Kind
	ProviderName() string
	ValidateModel(ctx context.Context, name string) bool
	ValidateTemperature(ctx context.Context, name string, t float64) bool
	DefaultTemperature(ctx context.Context, name string) float64
	ResolveEndpoint(ctx context.Context, name string) string
	SupportsFiles(ctx context.Context, name string) bool
	// AcceptsImages reports whether image parts are sent for this model.
	AcceptsImages(ctx context.Context, name string) bool
	// ResolveOptions applies model and temperature defaults and validates both.
	ResolveOptions(ctx context.Context, model string, temperature *float64) (string, float64, error)
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
	// ChatStream returns the raw upstream SSE body. The caller must close it.
	ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
}
