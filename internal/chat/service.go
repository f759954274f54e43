package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chime/internal/attachments"
	"chime/internal/metrics"
	"chime/internal/providers"
	"chime/internal/ratelimit"
	"chime/internal/relay"
	"chime/internal/storage"
)

const (
	ModeSync   = "sync"
	ModeStream = "stream"

	DefaultHardLimit = 10000
	DefaultWarnLimit = 6000
)

type Store interface {
	GetConversation(ctx context.Context, id int64) (storage.Conversation, error)
	CreateConversation(ctx context.Context, userID int64, title string) (storage.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]storage.ConversationSummary, error)
	UpdateConversationTitle(ctx context.Context, id int64, title string) (storage.Conversation, error)
	DeleteConversation(ctx context.Context, id int64) error
	ListChats(ctx context.Context, conversationID int64) ([]storage.Chat, error)
	SumTokens(ctx context.Context, conversationID int64) (int64, error)
	CreateChat(ctx context.Context, in storage.NewChat) (storage.Chat, error)
}

type Resolver interface {
	Resolve(ctx context.Context, model string) (providers.Client, error)
}

type Limiter interface {
	Allow(ctx context.Context, userID int64, now time.Time) (ratelimit.Decision, error)
}

type Config struct {
	Store     Store
	Resolver  Resolver
	Files     attachments.FileStore
	Limiter   Limiter
	HardLimit int64
	WarnLimit int64
	ChunkSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service runs chat turns: authorize, validate, build the prompt, check the
// token budget, call the provider and persist the result.
type Service struct {
	cfg   Config
	relay *relay.Relay
}

func NewService(cfg Config) *Service {
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = DefaultHardLimit
	}
	if cfg.WarnLimit <= 0 {
		cfg.WarnLimit = DefaultWarnLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		cfg: cfg,
		relay: relay.New(relay.Config{
			ChunkSize: cfg.ChunkSize,
			Logger:    cfg.Logger,
			Skipped:   cfg.Metrics.StreamFramesSkipped,
			Events:    cfg.Metrics.StreamEvents,
		}),
	}
}

type URLAttachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type TurnRequest struct {
	UserID         int64
	ConversationID int64
	Message        string
	Model          string
	Temperature    *float64
	Uploads        []attachments.Upload
	Links          []URLAttachment
	Mode           string
}

// Turn is a validated request that passed the budget check and is ready to dispatch.
type Turn struct {
	Conversation storage.Conversation
	Message      string
	Model        string
	Temperature  float64
	PriorTokens  int64
	Warning      string
	Mode         string

	client    providers.Client
	outbound  providers.ChatRequest
	uploads   []attachments.Upload
	extracted []attachments.Extracted
	links     []URLAttachment
}

type Outcome struct {
	Chat        storage.Chat
	Warning     string
	TotalTokens int64
}

// Begin runs every step up to dispatch. Errors here never reach upstream.
func (s *Service) Begin(ctx context.Context, req TurnRequest) (*Turn, error) {
	if req.Mode == "" {
		req.Mode = ModeSync
	}
	turn, err := s.begin(ctx, req)
	if err != nil {
		s.cfg.Metrics.TurnsTotal.WithLabelValues(outcomeLabel(err), req.Mode).Inc()
		return nil, err
	}
	return turn, nil
}

func (s *Service) begin(ctx context.Context, req TurnRequest) (*Turn, error) {
	conv, err := s.authorize(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.Message) == "" {
		return nil, &ValidationError{Field: "message", Message: "The message field is required."}
	}
	if t := req.Temperature; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		return nil, &ValidationError{Field: "temperature", Message: "The temperature must be between 0 and 1."}
	}
	for _, l := range req.Links {
		u, err := url.Parse(l.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &ValidationError{Field: "attachments", Message: fmt.Sprintf("Invalid attachment url %q.", l.URL)}
		}
	}

	client, err := s.cfg.Resolver.Resolve(ctx, req.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}
	model, temperature, err := client.ResolveOptions(ctx, req.Model, req.Temperature)
	if err != nil {
		return nil, err
	}

	turn := &Turn{
		Conversation: conv,
		Message:      req.Message,
		Model:        model,
		Temperature:  temperature,
		Mode:         req.Mode,
		client:       client,
		uploads:      req.Uploads,
		links:        req.Links,
	}

	outbound := req.Message
	var images []providers.ImageInput
	acceptsImages := len(req.Uploads) > 0 && client.AcceptsImages(ctx, model)
	for _, u := range req.Uploads {
		ex := attachments.Extract(u)
		turn.extracted = append(turn.extracted, ex)
		if ex.IsImage && acceptsImages {
			images = append(images, providers.ImageInput{Name: u.Name, URL: ex.ImageURL})
			continue
		}
		outbound = attachments.AppendFileText(outbound, u.Name, ex.Text)
	}

	chats, err := s.cfg.Store.ListChats(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	total, err := s.cfg.Store.SumTokens(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("sum tokens: %w", err)
	}
	if total > s.cfg.HardLimit {
		return nil, &ConversationTooLongError{TotalTokens: total, Limit: s.cfg.HardLimit}
	}
	turn.PriorTokens = total
	if total > s.cfg.WarnLimit {
		turn.Warning = fmt.Sprintf("This conversation has used %d of %d tokens. Consider starting a new conversation.", total, s.cfg.HardLimit)
	}

	if s.cfg.Limiter != nil {
		d, err := s.cfg.Limiter.Allow(ctx, req.UserID, s.cfg.Now())
		switch {
		case err != nil:
			s.cfg.Logger.Warn().Err(err).Int64("user_id", req.UserID).Msg("rate limit check failed, allowing turn")
		case !d.Allowed:
			s.cfg.Metrics.RateLimited.Inc()
			return nil, ErrRateLimited
		}
	}

	temp := temperature
	turn.outbound = providers.ChatRequest{
		Message:     outbound,
		History:     HistoryMessages(chats),
		Images:      images,
		Model:       model,
		Temperature: &temp,
	}
	return turn, nil
}

func (s *Service) authorize(ctx context.Context, userID, conversationID int64) (storage.Conversation, error) {
	conv, err := s.cfg.Store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, ErrConversationNotFound
		}
		return storage.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv.UserID != userID {
		return storage.Conversation{}, ErrUnauthorized
	}
	return conv, nil
}

// HistoryMessages expands chats into alternating user and assistant messages.
func HistoryMessages(chats []storage.Chat) []providers.Message {
	out := make([]providers.Message, 0, len(chats)*2)
	for _, c := range chats {
		out = append(out,
			providers.Message{Role: "user", Content: c.Message},
			providers.Message{Role: "assistant", Content: c.Response},
		)
	}
	return out
}

// Complete dispatches a turn synchronously and persists the answer.
func (s *Service) Complete(ctx context.Context, turn *Turn) (Outcome, error) {
	res, err := turn.client.Chat(ctx, turn.outbound)
	if err != nil {
		s.finish(turn, err)
		return Outcome{}, err
	}
	chat, err := s.persist(ctx, turn, res.Content, res.ReasoningContent, res.TotalTokens)
	s.finish(turn, err)
	if err != nil {
		return Outcome{}, err
	}
	return s.outcome(turn, chat), nil
}

// OpenStream starts the upstream stream. Errors here happen before any event is sent.
func (s *Service) OpenStream(ctx context.Context, turn *Turn) (io.ReadCloser, error) {
	body, err := turn.client.ChatStream(ctx, turn.outbound)
	if err != nil {
		s.finish(turn, err)
		return nil, err
	}
	return body, nil
}

// Relay drains body into events and persists once the stream ends. It closes
// body and events.
func (s *Service) Relay(ctx context.Context, turn *Turn, body io.ReadCloser, events chan<- relay.Event) (Outcome, error) {
	defer body.Close()

	var out Outcome
	res, err := s.relay.Run(ctx, body, events, func(ctx context.Context, res relay.Result) (storage.Chat, error) {
		chat, err := s.persist(ctx, turn, res.Content, res.ReasoningContent, res.TotalTokens)
		if err != nil {
			return storage.Chat{}, err
		}
		out = s.outcome(turn, chat)
		return chat, nil
	})
	s.finish(turn, err)
	if err != nil {
		return Outcome{}, err
	}
	if res.Skipped > 0 {
		s.cfg.Logger.Debug().Int("skipped", res.Skipped).Int64("conversation_id", turn.Conversation.ID).Msg("stream finished with skipped frames")
	}
	return out, nil
}

func (s *Service) persist(ctx context.Context, turn *Turn, response, reasoning string, tokens int64) (storage.Chat, error) {
	if tokens < 0 {
		tokens = 0
	}
	atts := make([]storage.NewAttachment, 0, len(turn.uploads)+len(turn.links))
	if len(turn.uploads) > 0 && s.cfg.Files == nil {
		return storage.Chat{}, errors.New("file storage is not configured")
	}
	for i, u := range turn.uploads {
		path, err := s.cfg.Files.Store(ctx, attachments.Namespace, u)
		if err != nil {
			return storage.Chat{}, fmt.Errorf("store attachment %s: %w", u.Name, err)
		}
		ex := turn.extracted[i]
		typ := storage.AttachmentFile
		if ex.IsImage {
			typ = storage.AttachmentImage
		}
		atts = append(atts, storage.NewAttachment{
			Type: typ,
			Name: u.Name,
			Path: path,
			Metadata: map[string]any{
				"size":      len(u.Data),
				"mime_type": ex.Mime,
			},
		})
	}
	for _, l := range turn.links {
		atts = append(atts, storage.NewAttachment{Type: storage.AttachmentURL, Name: l.Name, URL: l.URL})
	}

	chat, err := s.cfg.Store.CreateChat(ctx, storage.NewChat{
		ConversationID:   turn.Conversation.ID,
		Message:          turn.Message,
		Response:         response,
		ReasoningContent: reasoning,
		Model:            turn.Model,
		TokensUsed:       tokens,
		Temperature:      turn.Temperature,
		Attachments:      atts,
	})
	if err != nil {
		return storage.Chat{}, fmt.Errorf("persist chat: %w", err)
	}
	return chat, nil
}

func (s *Service) outcome(turn *Turn, chat storage.Chat) Outcome {
	return Outcome{
		Chat:        chat,
		Warning:     turn.Warning,
		TotalTokens: turn.PriorTokens + chat.TokensUsed,
	}
}

func (s *Service) finish(turn *Turn, err error) {
	label := "completed"
	if err != nil {
		label = "failed"
		s.cfg.Logger.Error().Err(err).
			Int64("conversation_id", turn.Conversation.ID).
			Str("model", turn.Model).
			Str("mode", turn.Mode).
			Msg("chat turn failed")
	}
	s.cfg.Metrics.TurnsTotal.WithLabelValues(label, turn.Mode).Inc()
}

func outcomeLabel(err error) string {
	var ve *ValidationError
	var tl *ConversationTooLongError
	switch {
	case errors.As(err, &ve), errors.As(err, &tl),
		errors.Is(err, ErrUnauthorized), errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrRateLimited),
		errors.Is(err, providers.ErrInvalidModel), errors.Is(err, providers.ErrInvalidTemperature):
		return "rejected"
	default:
		return "failed"
	}
}
