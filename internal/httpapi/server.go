package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chime/internal/chat"
	"chime/internal/relay"
	"chime/internal/storage"
)

const defaultMaxUploadBytes = 20 << 20

type ChatService interface {
	Begin(ctx context.Context, req chat.TurnRequest) (*chat.Turn, error)
	Complete(ctx context.Context, turn *chat.Turn) (chat.Outcome, error)
	OpenStream(ctx context.Context, turn *chat.Turn) (io.ReadCloser, error)
	Relay(ctx context.Context, turn *chat.Turn, body io.ReadCloser, events chan<- relay.Event) (chat.Outcome, error)

	ListConversations(ctx context.Context, userID int64) ([]storage.ConversationSummary, error)
	CreateConversation(ctx context.Context, userID int64, title string) (storage.Conversation, error)
	History(ctx context.Context, userID, conversationID int64) (storage.Conversation, []storage.Chat, error)
	RenameConversation(ctx context.Context, userID, conversationID int64, title string) (storage.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID int64) error
}

type Catalog interface {
	ListActiveModels(ctx context.Context) ([]storage.ModelWithProvider, error)
	DefaultModel(ctx context.Context) (storage.ModelWithProvider, error)
}

type Config struct {
	Chat           ChatService
	Catalog        Catalog
	JWTSecret      []byte
	MaxUploadBytes int64
	HealthPath     string
	MetricsPath    string

	// Ping backs the health endpoint when set.
	Ping   func(ctx context.Context) error
	Logger zerolog.Logger
}

type Server struct {
	cfg Config
}

// NewHandler builds the routed HTTP handler. Everything except health and
// metrics requires a bearer token.
func NewHandler(cfg Config) http.Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{cfg: cfg}
	auth := requireUser(cfg.JWTSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.HealthPath, s.health)
	mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())

	mux.Handle("GET /models", auth(http.HandlerFunc(s.listModels)))
	mux.Handle("GET /conversations", auth(http.HandlerFunc(s.listConversations)))
	mux.Handle("POST /conversations", auth(http.HandlerFunc(s.createConversation)))
	mux.Handle("GET /conversations/{id}", auth(http.HandlerFunc(s.showConversation)))
	mux.Handle("PATCH /conversations/{id}", auth(http.HandlerFunc(s.updateConversation)))
	mux.Handle("PUT /conversations/{id}", auth(http.HandlerFunc(s.updateConversation)))
	mux.Handle("DELETE /conversations/{id}", auth(http.HandlerFunc(s.deleteConversation)))
	mux.Handle("GET /conversations/{id}/history", auth(http.HandlerFunc(s.history)))
	mux.Handle("POST /conversations/{id}/chat", auth(s.chatHandler(false)))
	mux.Handle("POST /conversations/{id}/chat/stream", auth(s.chatHandler(true)))

	return requestLogger(cfg.Logger)(mux)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ping != nil {
		if err := s.cfg.Ping(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// conversationID reads the {id} path value. Anything unparsable is treated as
// a missing conversation.
func conversationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, chat.ErrConversationNotFound
	}
	return id, nil
}
