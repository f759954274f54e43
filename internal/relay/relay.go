package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chime/internal/storage"
)

const DefaultChunkSize = 4096

// Event is one client-facing stream event.
type Event struct {
	Content          string
	ReasoningContent string
	Done             bool
	Chat             *storage.Chat
}

// MarshalJSON keeps deltas minimal and always writes content on the terminal event.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"done": e.Done}
	if e.Done {
		out["content"] = ""
		if e.Chat != nil {
			out["chat"] = e.Chat
		}
		return json.Marshal(out)
	}
	if e.ReasoningContent != "" {
		out["reasoning_content"] = e.ReasoningContent
	}
	if e.Content != "" {
		out["content"] = e.Content
	}
	return json.Marshal(out)
}

// Result is what the stream accumulated by end of input.
type Result struct {
	Content          string
	ReasoningContent string
	TotalTokens      int64
	Skipped          int
}

// Finalizer persists the turn. The terminal event is sent only if it succeeds.
type Finalizer func(ctx context.Context, res Result) (storage.Chat, error)

// Config wires the relay. Skipped counts frames that failed to decode; Events
// counts relayed deltas. Both may be nil.
type Config struct {
	ChunkSize int
	Logger    zerolog.Logger
	Skipped   prometheus.Counter
	Events    prometheus.Counter
}

type Relay struct {
	cfg Config
}

func New(cfg Config) *Relay {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Relay{cfg: cfg}
}

type frame struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Run drains body, emits deltas in decode order, calls finalize once at end of
// input and then emits the terminal event. events is closed on return.
func (r *Relay) Run(ctx context.Context, body io.Reader, events chan<- Event, finalize Finalizer) (Result, error) {
	defer close(events)

	var res Result
	buf := make([]byte, r.cfg.ChunkSize)
	var pending []byte

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				if err := r.handleLine(ctx, line, &res, events); err != nil {
					return res, err
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return res, fmt.Errorf("read upstream stream: %w", readErr)
			}
			break
		}
	}
	if len(pending) > 0 {
		if err := r.handleLine(ctx, pending, &res, events); err != nil {
			return res, err
		}
	}

	chat, err := finalize(ctx, res)
	if err != nil {
		return res, fmt.Errorf("finalize stream: %w", err)
	}
	if err := send(ctx, events, Event{Done: true, Chat: &chat}); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Relay) handleLine(ctx context.Context, line []byte, res *Result, events chan<- Event) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(rest)
	} else if bytes.HasPrefix(line, []byte("event:")) || bytes.HasPrefix(line, []byte("id:")) || bytes.HasPrefix(line, []byte("retry:")) {
		return nil
	}
	if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
		return nil
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		res.Skipped++
		if r.cfg.Skipped != nil {
			r.cfg.Skipped.Inc()
		}
		r.cfg.Logger.Debug().Err(err).Int("bytes", len(line)).Msg("skipping malformed stream frame")
		return nil
	}

	for _, ch := range f.Choices {
		if ch.Delta.ReasoningContent != "" {
			res.ReasoningContent += ch.Delta.ReasoningContent
			if err := r.emit(ctx, events, Event{ReasoningContent: ch.Delta.ReasoningContent}); err != nil {
				return err
			}
		}
		if ch.Delta.Content != "" {
			res.Content += ch.Delta.Content
			if err := r.emit(ctx, events, Event{Content: ch.Delta.Content}); err != nil {
				return err
			}
		}
	}
	if f.Usage != nil {
		res.TotalTokens = f.Usage.TotalTokens
	}
	return nil
}

func (r *Relay) emit(ctx context.Context, events chan<- Event, ev Event) error {
	if err := send(ctx, events, ev); err != nil {
		return err
	}
	if r.cfg.Events != nil {
		r.cfg.Events.Inc()
	}
	return nil
}

func send(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
