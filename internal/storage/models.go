package storage

import "time"

type Provider struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	BaseURL   string    `json:"base_url"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

type Model struct {
	ID                 int64          `json:"id"`
	ProviderID         int64          `json:"provider_id"`
	Name               string         `json:"name"`
	DisplayName        string         `json:"display_name"`
	Endpoint           string         `json:"endpoint"`
	MinTemperature     float64        `json:"min_temperature"`
	MaxTemperature     float64        `json:"max_temperature"`
	DefaultTemperature float64        `json:"default_temperature"`
	CanReason          bool           `json:"can_reason"`
	CanAccessWeb       bool           `json:"can_access_web"`
	SupportsFiles      bool           `json:"supports_files"`
	IsActive           bool           `json:"is_active"`
	IsDefault          bool           `json:"is_default"`
	AdditionalSettings map[string]any `json:"additional_settings"`
	CreatedAt          time.Time      `json:"created_at"`
}

type ModelWithProvider struct {
	Model
	Provider Provider `json:"provider"`
}

// APIKey never leaves the process in serialized form.
type APIKey struct {
	ID           int64     `json:"id"`
	ProviderType string    `json:"provider_type"`
	EncKey       string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Conversation struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	Title         string     `json:"title"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ConversationSummary struct {
	Conversation
	ChatsCount int64 `json:"chats_count"`
}

type Chat struct {
	ID               int64            `json:"id"`
	ConversationID   int64            `json:"conversation_id"`
	Message          string           `json:"message"`
	Response         string           `json:"response"`
	ReasoningContent *string          `json:"reasoning_content"`
	Model            string           `json:"model"`
	TokensUsed       int64            `json:"tokens_used"`
	Temperature      float64          `json:"temperature"`
	CreatedAt        time.Time        `json:"created_at"`
	Attachments      []ChatAttachment `json:"attachments,omitempty"`
}

const (
	AttachmentFile  = "file"
	AttachmentImage = "image"
	AttachmentURL   = "url"
)

type ChatAttachment struct {
	ID        int64          `json:"id"`
	ChatID    int64          `json:"chat_id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Path      *string        `json:"path"`
	URL       *string        `json:"url"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewChat is one completed turn, written together with its attachments.
type NewChat struct {
	ConversationID   int64
	Message          string
	Response         string
	ReasoningContent string
	Model            string
	TokensUsed       int64
	Temperature      float64
	Attachments      []NewAttachment
}

type NewAttachment struct {
	Type     string
	Name     string
	Path     string
	URL      string
	Metadata map[string]any
}
