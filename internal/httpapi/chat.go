package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"chime/internal/attachments"
	"chime/internal/chat"
	"chime/internal/relay"
)

const warningHeader = "X-Token-Warning"

type chatInput struct {
	Message     string               `json:"message"`
	Model       string               `json:"model"`
	Temperature *float64             `json:"temperature"`
	Stream      *bool                `json:"stream"`
	Attachments []chat.URLAttachment `json:"attachments"`
}

func (s *Server) chatHandler(forceStream bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := conversationID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in, uploads, err := s.parseChatInput(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		stream := forceStream || in.Stream == nil || *in.Stream
		mode := chat.ModeSync
		if stream {
			mode = chat.ModeStream
		}
		turn, err := s.cfg.Chat.Begin(r.Context(), chat.TurnRequest{
			UserID:         userID(r.Context()),
			ConversationID: id,
			Message:        in.Message,
			Model:          strings.TrimSpace(in.Model),
			Temperature:    in.Temperature,
			Uploads:        uploads,
			Links:          in.Attachments,
			Mode:           mode,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		// Dispatch ignores client disconnects: an answer that arrives is stored.
		ctx := context.WithoutCancel(r.Context())
		if !stream {
			s.completeTurn(ctx, w, r, turn)
			return
		}
		body, err := s.cfg.Chat.OpenStream(ctx, turn)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.streamTurn(ctx, w, r, turn, body)
	})
}

func (s *Server) completeTurn(ctx context.Context, w http.ResponseWriter, r *http.Request, turn *chat.Turn) {
	out, err := s.cfg.Chat.Complete(ctx, turn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"success":      true,
		"data":         out.Chat,
		"total_tokens": out.TotalTokens,
	}
	if out.Warning != "" {
		resp["warning"] = out.Warning
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamTurn writes relay events as SSE frames. Once the client is gone the
// remaining events are drained so the relay can finish and persist.
func (s *Server) streamTurn(ctx context.Context, w http.ResponseWriter, r *http.Request, turn *chat.Turn, body io.ReadCloser) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if turn.Warning != "" {
		h.Set(warningHeader, turn.Warning)
	}
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	events := make(chan relay.Event)
	done := make(chan error, 1)
	go func() {
		_, err := s.cfg.Chat.Relay(ctx, turn, body, events)
		done <- err
	}()

	logger := zerolog.Ctx(r.Context())
	clientGone := false
	for ev := range events {
		if clientGone {
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			logger.Debug().Err(err).Msg("client went away mid-stream")
			clientGone = true
			continue
		}
		if err := rc.Flush(); err != nil {
			clientGone = true
		}
	}
	if err := <-done; err != nil {
		logger.Warn().Err(err).Int64("conversation_id", turn.Conversation.ID).Msg("stream closed without a terminal event")
	}
}

func writeEvent(w io.Writer, ev relay.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func (s *Server) parseChatInput(w http.ResponseWriter, r *http.Request) (chatInput, []attachments.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return s.parseMultipart(r)
	}
	var in chatInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return chatInput{}, nil, &chat.ValidationError{Field: "body", Message: "The request body must be valid JSON."}
	}
	return in, nil, nil
}

func (s *Server) parseMultipart(r *http.Request) (chatInput, []attachments.Upload, error) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		return chatInput{}, nil, &chat.ValidationError{Field: "files", Message: "The upload could not be read or is too large."}
	}
	in := chatInput{
		Message: r.FormValue("message"),
		Model:   r.FormValue("model"),
	}
	if v := strings.TrimSpace(r.FormValue("temperature")); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return chatInput{}, nil, &chat.ValidationError{Field: "temperature", Message: "The temperature must be a number."}
		}
		in.Temperature = &t
	}
	if v := strings.TrimSpace(r.FormValue("stream")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return chatInput{}, nil, &chat.ValidationError{Field: "stream", Message: "The stream field must be true or false."}
		}
		in.Stream = &b
	}
	if v := strings.TrimSpace(r.FormValue("attachments")); v != "" {
		if err := json.Unmarshal([]byte(v), &in.Attachments); err != nil {
			return chatInput{}, nil, &chat.ValidationError{Field: "attachments", Message: "The attachments field must be a JSON array."}
		}
	}

	var uploads []attachments.Upload
	for _, key := range []string{"files[]", "files"} {
		for _, fh := range r.MultipartForm.File[key] {
			u, err := readUpload(fh)
			if err != nil {
				return chatInput{}, nil, err
			}
			uploads = append(uploads, u)
		}
	}
	return in, uploads, nil
}

func readUpload(fh *multipart.FileHeader) (attachments.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return attachments.Upload{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return attachments.Upload{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	return attachments.Upload{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
