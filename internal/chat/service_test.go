package chat

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chime/internal/attachments"
	"chime/internal/metrics"
	"chime/internal/providers"
	"chime/internal/ratelimit"
	"chime/internal/relay"
	"chime/internal/storage"
)

type fakeClient struct {
	mu          sync.Mutex
	chatCalls   int
	streamCalls int
	lastReq     providers.ChatRequest

	content    string
	reasoning  string
	tokens     int64
	streamBody string
	err        error
	images     bool
}

func (f *fakeClient) Kind() providers.Kind { return providers.KindDeepseek }
func (f *fakeClient) ProviderName() string { return "deepseek" }
func (f *fakeClient) ValidateModel(_ context.Context, name string) bool {
	return name == "deepseek-chat" || name == "vision"
}
func (f *fakeClient) ValidateTemperature(_ context.Context, _ string, t float64) bool {
	return t >= 0.1 && t <= 1.0
}
func (f *fakeClient) DefaultTemperature(context.Context, string) float64 { return 0.7 }
func (f *fakeClient) ResolveEndpoint(context.Context, string) string { return providers.DefaultEndpoint }
func (f *fakeClient) SupportsFiles(_ context.Context, name string) bool { return name == "vision" }
func (f *fakeClient) AcceptsImages(ctx context.Context, name string) bool {
	return f.images && f.SupportsFiles(ctx, name)
}

func (f *fakeClient) ResolveOptions(ctx context.Context, model string, t *float64) (string, float64, error) {
	if model == "" {
		model = "deepseek-chat"
	}
	if !f.ValidateModel(ctx, model) {
		return "", 0, providers.ErrInvalidModel
	}
	if t == nil {
		return model, f.DefaultTemperature(ctx, model), nil
	}
	if !f.ValidateTemperature(ctx, model, *t) {
		return "", 0, providers.ErrInvalidTemperature
	}
	return model, *t, nil
}

func (f *fakeClient) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastReq = req
	if f.err != nil {
		return providers.ChatResult{}, f.err
	}
	return providers.ChatResult{Content: f.content, ReasoningContent: f.reasoning, TotalTokens: f.tokens}, nil
}

func (f *fakeClient) ChatStream(_ context.Context, req providers.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.streamBody)), nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls + f.streamCalls
}

type fakeResolver struct {
	client providers.Client
}

func (r fakeResolver) Resolve(context.Context, string) (providers.Client, error) {
	return r.client, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, int64, time.Time) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, Used: 31, Limit: 30}, nil
}

type fixture struct {
	store   *storage.Store
	client  *fakeClient
	svc     *Service
	metrics *metrics.Metrics
	files   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "chat.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := &fakeClient{content: "Hi there", tokens: 12}
	m := metrics.New()
	files := t.TempDir()
	svc := NewService(Config{
		Store:    store,
		Resolver: fakeResolver{client: client},
		Files:    attachments.NewLocalStore(files),
		Metrics:  m,
	})
	return &fixture{store: store, client: client, svc: svc, metrics: m, files: files}
}

func (f *fixture) conversation(t *testing.T, userID int64) storage.Conversation {
	t.Helper()
	conv, err := f.store.CreateConversation(context.Background(), userID, "test")
	require.NoError(t, err)
	return conv
}

func (f *fixture) seedTokens(t *testing.T, convID int64, tokens ...int64) {
	t.Helper()
	for i, n := range tokens {
		_, err := f.store.CreateChat(context.Background(), storage.NewChat{
			ConversationID: convID,
			Message:        "m" + string(rune('a'+i)),
			Response:       "r" + string(rune('a'+i)),
			Model:          "deepseek-chat",
			TokensUsed:     n,
			Temperature:    0.7,
		})
		require.NoError(t, err)
	}
}

func (f *fixture) stream(t *testing.T, turn *Turn) ([]relay.Event, Outcome, error) {
	t.Helper()
	ctx := context.Background()
	body, err := f.svc.OpenStream(ctx, turn)
	require.NoError(t, err)

	events := make(chan relay.Event)
	var (
		out    Outcome
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		out, runErr = f.svc.Relay(ctx, turn, body, events)
	}()
	var got []relay.Event
	for ev := range events {
		got = append(got, ev)
	}
	<-done
	return got, out, runErr
}

func TestCompleteHello(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	ctx := context.Background()

	turn, err := f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "Hello"})
	require.NoError(t, err)
	out, err := f.svc.Complete(ctx, turn)
	require.NoError(t, err)

	assert.Equal(t, "Hello", out.Chat.Message)
	assert.Equal(t, "Hi there", out.Chat.Response)
	assert.Equal(t, int64(12), out.Chat.TokensUsed)
	assert.Equal(t, 0.7, out.Chat.Temperature)
	assert.Equal(t, "deepseek-chat", out.Chat.Model)
	assert.Equal(t, int64(12), out.TotalTokens)
	assert.Empty(t, out.Warning)

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastMessageAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("completed", ModeSync)))
}

func TestBudgetRejectsWithoutUpstreamCall(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	f.seedTokens(t, conv.ID, 5000, 5050)

	_, err := f.svc.Begin(context.Background(), TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "one more"})
	var tooLong *ConversationTooLongError
	require.ErrorAs(t, err, &tooLong)
	assert.Equal(t, int64(10050), tooLong.TotalTokens)
	assert.Equal(t, int64(10000), tooLong.Limit)
	assert.Equal(t, 0, f.client.calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("rejected", ModeSync)))
}

func TestBudgetAtLimitIsAllowed(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	f.seedTokens(t, conv.ID, 10000)

	turn, err := f.svc.Begin(context.Background(), TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "edge"})
	require.NoError(t, err)
	assert.NotEmpty(t, turn.Warning)
}

func TestWarningAboveSoftLimit(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	f.seedTokens(t, conv.ID, 6001)
	ctx := context.Background()

	turn, err := f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "Hello"})
	require.NoError(t, err)
	out, err := f.svc.Complete(ctx, turn)
	require.NoError(t, err)
	assert.Contains(t, out.Warning, "6001")
	assert.Equal(t, int64(6013), out.TotalTokens)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	ctx := context.Background()

	_, err := f.svc.Begin(ctx, TurnRequest{UserID: 2, ConversationID: conv.ID, Message: "hi"})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID + 100, Message: "hi"})
	require.ErrorIs(t, err, ErrConversationNotFound)

	_, _, err = f.svc.History(ctx, 2, conv.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, f.client.calls())
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	ctx := context.Background()
	hot := 1.5
	cold := 0.05

	var ve *ValidationError
	_, err := f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "   "})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "message", ve.Field)

	_, err = f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "hi", Temperature: &hot})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "temperature", ve.Field)

	_, err = f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "hi", Temperature: &cold})
	require.ErrorIs(t, err, providers.ErrInvalidTemperature)

	_, err = f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "hi", Model: "gpt-404"})
	require.ErrorIs(t, err, providers.ErrInvalidModel)

	_, err = f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "hi", Links: []URLAttachment{{Name: "x", URL: "ftp://host/file"}}})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "attachments", ve.Field)

	assert.Equal(t, 0, f.client.calls())
}

func TestStreamAndSyncPersistTheSameTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	temp := 0.4
	f.client.streamBody = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {not json\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"total_tokens\":12}}\n\n" +
		"data: [DONE]\n\n"

	syncConv := f.conversation(t, 1)
	turn, err := f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: syncConv.ID, Message: "Hello", Temperature: &temp})
	require.NoError(t, err)
	syncOut, err := f.svc.Complete(ctx, turn)
	require.NoError(t, err)

	streamConv := f.conversation(t, 1)
	turn, err = f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: streamConv.ID, Message: "Hello", Temperature: &temp, Mode: ModeStream})
	require.NoError(t, err)
	events, streamOut, err := f.stream(t, turn)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, "Hi", events[0].Content)
	assert.Equal(t, " there", events[1].Content)
	require.True(t, events[2].Done)
	assert.Equal(t, streamOut.Chat.ID, events[2].Chat.ID)

	assert.Equal(t, syncOut.Chat.Message, streamOut.Chat.Message)
	assert.Equal(t, syncOut.Chat.Model, streamOut.Chat.Model)
	assert.Equal(t, syncOut.Chat.Temperature, streamOut.Chat.Temperature)
	assert.Equal(t, syncOut.Chat.Response, streamOut.Chat.Response)
	assert.Equal(t, syncOut.Chat.TokensUsed, streamOut.Chat.TokensUsed)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StreamFramesSkipped))
}

func TestStreamFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	ctx := context.Background()
	f.client.streamBody = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"

	turn, err := f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "Hello", Mode: ModeStream})
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteConversation(ctx, conv.ID))

	events, _, err := f.stream(t, turn)
	require.Error(t, err)
	for _, ev := range events {
		assert.False(t, ev.Done, "no terminal event without a persisted chat")
	}
}

func TestUpstreamErrorIsNotPersisted(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	ctx := context.Background()
	f.client.err = &providers.UpstreamError{Provider: "deepseek", StatusCode: 503, Body: "overloaded"}

	turn, err := f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "Hello"})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, turn)
	var upErr *providers.UpstreamError
	require.ErrorAs(t, err, &upErr)

	chats, err := f.store.ListChats(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, chats)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("failed", ModeSync)))
}

func TestHistoryRoundTrip(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	ctx := context.Background()

	for i, msg := range []string{"first", "second", "third"} {
		f.client.content = "answer " + msg
		turn, err := f.svc.Begin(ctx, TurnRequest{UserID: 1, ConversationID: conv.ID, Message: msg})
		require.NoError(t, err)
		_, err = f.svc.Complete(ctx, turn)
		require.NoError(t, err)
		assert.Len(t, f.client.lastReq.History, 2*i)
	}

	want := []providers.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "answer first"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "answer second"},
	}
	assert.Equal(t, want, f.client.lastReq.History)
	assert.Equal(t, "third", f.client.lastReq.Message)

	_, chats, err := f.svc.History(ctx, 1, conv.ID)
	require.NoError(t, err)
	replayed := HistoryMessages(chats)
	require.Len(t, replayed, 6)
	assert.Equal(t, want, replayed[:4])
}

func TestAttachmentsAugmentOutboundOnly(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, 1)
	ctx := context.Background()

	turn, err := f.svc.Begin(ctx, TurnRequest{
		UserID:         1,
		ConversationID: conv.ID,
		Message:        "Summarize",
		Uploads: []attachments.Upload{
			{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
			{Name: "blob.bin", Data: []byte{1, 2, 3}},
		},
		Links: []URLAttachment{{Name: "docs", URL: "https://example.com/docs"}},
	})
	require.NoError(t, err)
	out, err := f.svc.Complete(ctx, turn)
	require.NoError(t, err)

	sent := f.client.lastReq.Message
	assert.True(t, strings.HasPrefix(sent, "Summarize"))
	assert.Contains(t, sent, "\n\nFile content (notes.txt):\nhello")
	assert.Contains(t, sent, "\n\nFile content (blob.bin):\n[Unsupported file type: bin]")

	assert.Equal(t, "Summarize", out.Chat.Message)
	require.Len(t, out.Chat.Attachments, 3)
	assert.Equal(t, storage.AttachmentFile, out.Chat.Attachments[0].Type)
	require.NotNil(t, out.Chat.Attachments[0].Path)
	assert.True(t, strings.HasPrefix(*out.Chat.Attachments[0].Path, attachments.Namespace+"/"))
	assert.Equal(t, storage.AttachmentURL, out.Chat.Attachments[2].Type)
}

func TestImagesGoAsPartsWhenModelAcceptsThem(t *testing.T) {
	f := newFixture(t)
	f.client.images = true
	conv := f.conversation(t, 1)
	ctx := context.Background()
	png := []byte("\x89PNG\r\n\x1a\n0000")

	turn, err := f.svc.Begin(ctx, TurnRequest{
		UserID: 1, ConversationID: conv.ID, Message: "what is this", Model: "vision",
		Uploads: []attachments.Upload{{Name: "cat.png", Data: png}},
	})
	require.NoError(t, err)
	out, err := f.svc.Complete(ctx, turn)
	require.NoError(t, err)

	require.Len(t, f.client.lastReq.Images, 1)
	assert.Equal(t, "what is this", f.client.lastReq.Message)
	require.Len(t, out.Chat.Attachments, 1)
	assert.Equal(t, storage.AttachmentImage, out.Chat.Attachments[0].Type)

	turn, err = f.svc.Begin(ctx, TurnRequest{
		UserID: 1, ConversationID: conv.ID, Message: "and this",
		Uploads: []attachments.Upload{{Name: "cat.png", Data: png}},
	})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, turn)
	require.NoError(t, err)
	assert.Empty(t, f.client.lastReq.Images)
	assert.Contains(t, f.client.lastReq.Message, "[Image attachment: cat.png]")
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.Limiter = denyLimiter{}
	conv := f.conversation(t, 1)

	_, err := f.svc.Begin(context.Background(), TurnRequest{UserID: 1, ConversationID: conv.ID, Message: "hi"})
	require.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, 0, f.client.calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RateLimited))
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateConversation(ctx, 1, " ")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	conv, err := f.svc.CreateConversation(ctx, 1, "Trip plans")
	require.NoError(t, err)

	_, err = f.svc.RenameConversation(ctx, 2, conv.ID, "stolen")
	require.ErrorIs(t, err, ErrUnauthorized)

	renamed, err := f.svc.RenameConversation(ctx, 1, conv.ID, "Trip to Rome")
	require.NoError(t, err)
	assert.Equal(t, "Trip to Rome", renamed.Title)

	list, err := f.svc.ListConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.ErrorIs(t, f.svc.DeleteConversation(ctx, 2, conv.ID), ErrUnauthorized)
	require.NoError(t, f.svc.DeleteConversation(ctx, 1, conv.ID))
	require.ErrorIs(t, f.svc.DeleteConversation(ctx, 1, conv.ID), ErrConversationNotFound)
}
