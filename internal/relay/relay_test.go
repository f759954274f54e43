package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chime/internal/storage"
)

func newCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name})
}

func collect(t *testing.T, r *Relay, body string, finalize Finalizer) ([]Event, Result, error) {
	t.Helper()
	events := make(chan Event, 64)
	var (
		res Result
		err error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err = r.Run(context.Background(), strings.NewReader(body), events, finalize)
	}()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	<-done
	return out, res, err
}

func persistOK(calls *int, got *Result) Finalizer {
	return func(_ context.Context, res Result) (storage.Chat, error) {
		*calls++
		*got = res
		return storage.Chat{ID: 42, Response: res.Content, TokensUsed: res.TotalTokens}, nil
	}
}

func TestRunSkipsMalformedFrame(t *testing.T) {
	skipped := newCounter("skipped_test")
	r := New(Config{Skipped: skipped})
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {not json\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"total_tokens\":9}}\n\n" +
		"data: [DONE]\n\n"

	var calls int
	var persisted Result
	events, res, err := collect(t, r, body, persistOK(&calls, &persisted))
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Content)
	assert.Equal(t, "lo", events[1].Content)
	assert.True(t, events[2].Done)
	require.NotNil(t, events[2].Chat)
	assert.Equal(t, int64(42), events[2].Chat.ID)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "Hello", persisted.Content)
	assert.Equal(t, int64(9), persisted.TotalTokens)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, float64(1), testutil.ToFloat64(skipped))
}

func TestRunReassemblesFramesAcrossReads(t *testing.T) {
	r := New(Config{ChunkSize: 5})
	body := "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"think\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n" +
		"data: {\"choices\":[],\"usage\":{\"total_tokens\":3}}\n" +
		"data: {\"choices\":[],\"usage\":{\"total_tokens\":7}}"

	events := make(chan Event, 16)
	var calls int
	var persisted Result
	res, err := r.Run(context.Background(), iotest.HalfReader(strings.NewReader(body)), events, persistOK(&calls, &persisted))
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "think", got[0].ReasoningContent)
	assert.Empty(t, got[0].Content)
	assert.Equal(t, "answer", got[1].Content)
	assert.True(t, got[2].Done)

	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, "think", persisted.ReasoningContent)
	assert.Equal(t, int64(7), persisted.TotalTokens, "last usage frame wins")
}

func TestRunNoTerminalEventWhenFinalizeFails(t *testing.T) {
	r := New(Config{})
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"

	events, _, err := collect(t, r, body, func(context.Context, Result) (storage.Chat, error) {
		return storage.Chat{}, errors.New("db down")
	})
	require.Error(t, err)
	require.Len(t, events, 1)
	for _, ev := range events {
		assert.False(t, ev.Done)
	}
}

func TestRunAbortsOnReadError(t *testing.T) {
	r := New(Config{})
	events := make(chan Event, 4)
	var calls int
	var persisted Result
	_, err := r.Run(context.Background(), iotest.ErrReader(errors.New("connection reset")), events, persistOK(&calls, &persisted))
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	_, open := <-events
	assert.False(t, open)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	r := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := make(chan Event)
	var calls int
	var persisted Result
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"
	_, err := r.Run(ctx, strings.NewReader(body), events, persistOK(&calls, &persisted))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestEventJSON(t *testing.T) {
	b, err := json.Marshal(Event{Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hi","done":false}`, string(b))

	b, err = json.Marshal(Event{ReasoningContent: "hmm"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reasoning_content":"hmm","done":false}`, string(b))

	b, err = json.Marshal(Event{Done: true, Chat: &storage.Chat{ID: 1}})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "", decoded["content"])
	assert.Equal(t, true, decoded["done"])
	assert.NotNil(t, decoded["chat"])
}
