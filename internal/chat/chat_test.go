package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starchat/internal/crypto"
	"starchat/internal/history"
	"starchat/internal/providers"
	"starchat/internal/providers/mock"
	"starchat/internal/quota"
	"starchat/internal/storage"
	"starchat/internal/storage/storagetest"
	"starchat/internal/validation"
)

type fakeProvider struct {
	frags    []string
	err      error
	startErr error

	calls int
	got   providers.ChatRequest
	last  *mock.Fragments
}

func (f *fakeProvider) Stream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	f.calls++
	f.got = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.last = mock.NewFragments(ctx, f.frags, f.err)
	return f.last, nil
}

type fixture struct {
	svc      *Service
	store    *storage.Store
	history  *history.Store
	provider *fakeProvider
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, used int64) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storagetest.Open(t)
	_, err := store.UpsertUser(ctx, "u1", "ann", 1000, fixedNow)
	require.NoError(t, err)
	if used > 0 {
		_, err = store.CommitUsage(ctx, "u1", used, fixedNow, 24*time.Hour)
		require.NoError(t, err)
	}

	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": make([]byte, 32)})
	require.NoError(t, err)
	now := func() time.Time { return fixedNow.Add(time.Minute) }
	h := history.New(history.Config{Store: store, Crypto: cm, Logger: zerolog.Nop(), Now: now})
	p := &fakeProvider{}
	svc := NewService(Config{
		Quota:           quota.New(quota.Config{Store: store, PaidDailyTokens: 10000, Now: now}),
		History:         h,
		Provider:        p,
		Model:           "test-model",
		MaxInputTokens:  3000,
		MaxOutputTokens: 700,
		Logger:          zerolog.Nop(),
	})
	return &fixture{svc: svc, store: store, history: h, provider: p}
}

func userRequest(content string) Request {
	return Request{Messages: []InputMessage{{Role: "user", Content: content}}}
}

type recorder struct {
	events []Event
	// failAfter makes emit fail once this many events were accepted.
	failAfter int
}

func (r *recorder) emit(e Event) error {
	if r.failAfter > 0 && len(r.events) >= r.failAfter {
		return errors.New("client gone")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (f *fixture) messages(t *testing.T) []history.Message {
	t.Helper()
	msgs, err := f.history.Recent(context.Background(), "u1", "", 100)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) used(t *testing.T) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	return u.TokensUsedToday
}

func TestPrecheckRejectsBeforeAnySideEffect(t *testing.T) {
	f := newFixture(t, 950)

	_, err := f.svc.Prepare(context.Background(), "u1", userRequest(strings.Repeat("q", 80)))
	require.ErrorIs(t, err, ErrQuotaExceeded, "950+20+700 > 1000")

	assert.Zero(t, f.provider.calls)
	assert.Empty(t, f.messages(t))
	convs, err := f.history.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Equal(t, int64(950), f.used(t))
}

func TestLimitCutPersistsAndCharges(t *testing.T) {
	f := newFixture(t, 10)
	frag := strings.Repeat("w", 40) // 10 tokens each
	for i := 0; i < 200; i++ {
		f.provider.frags = append(f.provider.frags, frag)
	}

	turn, err := f.svc.Prepare(context.Background(), "u1", userRequest(strings.Repeat("q", 80)))
	require.NoError(t, err)
	assert.Equal(t, int64(20), turn.InputTokens())

	rec := &recorder{}
	res := turn.Stream(context.Background(), rec.emit)

	assert.Equal(t, OutcomeLimitCut, res.Outcome)
	// 10 + 20 + 970 fits, the 98th fragment brings output to 980.
	require.Len(t, rec.events, 98)
	assert.Equal(t, EventLimitReached, rec.events[97].Type)
	assert.NotContains(t, rec.types(), EventDone)
	assert.Equal(t, int64(980), res.OutputTokens)
	assert.Equal(t, int64(1010), f.used(t))
	assert.True(t, f.provider.last.Closed)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
	assert.Equal(t, storage.RoleAssistant, msgs[1].Role)
	assert.Equal(t, 98*40, len(msgs[1].Content))
}

func TestCompletedTurn(t *testing.T) {
	f := newFixture(t, 0)
	f.provider.frags = []string{"Hel", "lo", "!"}

	req := Request{Messages: []InputMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you"},
	}}
	turn, err := f.svc.Prepare(context.Background(), "u1", req)
	require.NoError(t, err)

	rec := &recorder{}
	res := turn.Stream(context.Background(), rec.emit)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{EventChunk, EventChunk, EventChunk, EventDone}, rec.types())
	assert.Equal(t, "Hello!", res.Text)
	assert.Equal(t, "test-model", f.provider.got.Model)
	assert.Equal(t, 700, f.provider.got.MaxTokens)
	assert.Len(t, f.provider.got.Messages, 3)

	// inputs: 1 + 2 + 3, output: 2
	assert.Equal(t, int64(8), f.used(t))
	assert.Equal(t, int64(8), res.Usage.TokensUsedToday)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "how are you", msgs[0].Content)
	assert.Equal(t, "Hello!", msgs[1].Content)
	assert.Equal(t, turn.ConversationID(), msgs[1].ConversationID)
}

func TestSystemPromptCountsAsInput(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.cfg.SystemPrompt = strings.Repeat("p", 40)
	f.provider.frags = []string{"ok"}

	turn, err := f.svc.Prepare(context.Background(), "u1", userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), turn.InputTokens())

	res := turn.Stream(context.Background(), (&recorder{}).emit)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, strings.Repeat("p", 40), f.provider.got.SystemPrompt)
	assert.Equal(t, int64(12), f.used(t))
}

func TestSystemPromptIncludedInPrecheck(t *testing.T) {
	f := newFixture(t, 200)
	f.svc.cfg.SystemPrompt = strings.Repeat("p", 400)

	// 200 used + 1 input + 100 prompt + 700 reserved output
	_, err := f.svc.Prepare(context.Background(), "u1", userRequest("hi"))
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Zero(t, f.provider.calls)
}

func TestProviderErrorIsGenericAndNotPersisted(t *testing.T) {
	f := newFixture(t, 0)
	f.provider.frags = []string{"partial "}
	f.provider.err = errors.New("upstream 500: secret internals")

	turn, err := f.svc.Prepare(context.Background(), "u1", userRequest("hi"))
	require.NoError(t, err)

	rec := &recorder{}
	res := turn.Stream(context.Background(), rec.emit)

	assert.Equal(t, OutcomeErrored, res.Outcome)
	require.Equal(t, []string{EventChunk, EventError}, rec.types())
	assert.NotContains(t, rec.events[1].Message, "secret")
	assert.True(t, f.provider.last.Closed)

	msgs := f.messages(t)
	require.Len(t, msgs, 1, "only the user message is stored")
	assert.Zero(t, f.used(t))
}

func TestProviderStartFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.provider.startErr = errors.New("dial tcp: refused")

	turn, err := f.svc.Prepare(context.Background(), "u1", userRequest("hi"))
	require.NoError(t, err)

	rec := &recorder{}
	res := turn.Stream(context.Background(), rec.emit)
	assert.Equal(t, OutcomeErrored, res.Outcome)
	assert.Equal(t, []string{EventError}, rec.types())
	assert.Zero(t, f.used(t))
}

func TestDisconnectKeepsPartialReply(t *testing.T) {
	f := newFixture(t, 0)
	f.provider.frags = []string{"one ", "two ", "three ", "four "}

	turn, err := f.svc.Prepare(context.Background(), "u1", userRequest("count"))
	require.NoError(t, err)

	rec := &recorder{failAfter: 2}
	res := turn.Stream(context.Background(), rec.emit)

	assert.Equal(t, OutcomeDisconnected, res.Outcome)
	assert.Equal(t, "one two three ", res.Text)
	assert.True(t, f.provider.last.Closed)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one two three ", msgs[1].Content)
	assert.Equal(t, int64(2+4), f.used(t))
}

func TestCancelledContextCountsAsDisconnect(t *testing.T) {
	f := newFixture(t, 0)
	f.provider.frags = []string{"a", "b", "c"}

	turn, err := f.svc.Prepare(context.Background(), "u1", userRequest("hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	res := turn.Stream(ctx, func(e Event) error {
		_ = rec.emit(e)
		cancel()
		return nil
	})

	assert.Equal(t, OutcomeDisconnected, res.Outcome)
	assert.Equal(t, "a", res.Text)
	assert.Len(t, f.messages(t), 2, "partial reply stored despite cancelled request context")
	assert.Equal(t, int64(2), f.used(t))
}

func TestPrepareValidation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	tooMany := Request{}
	for i := 0; i < 21; i++ {
		tooMany.Messages = append(tooMany.Messages, InputMessage{Role: "user", Content: "x"})
	}
	cases := map[string]Request{
		"no messages":  {},
		"too many":     tooMany,
		"bad role":     {Messages: []InputMessage{{Role: "system", Content: "x"}}},
		"empty":        {Messages: []InputMessage{{Role: "user", Content: ""}}},
		"too long":     {Messages: []InputMessage{{Role: "user", Content: strings.Repeat("x", 4001)}}},
		"long conv id": {Messages: []InputMessage{{Role: "user", Content: "x"}}, ConversationID: strings.Repeat("c", 65)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Prepare(ctx, "u1", req)
			require.ErrorIs(t, err, validation.ErrInvalid)
		})
	}

	_, err := f.svc.Prepare(ctx, "u1", Request{Messages: []InputMessage{{Role: "user", Content: strings.Repeat("ж", 4000)}}})
	assert.NotErrorIs(t, err, validation.ErrInvalid, "4000 characters is within bounds")
}

func TestPrepareRejectsNonStreaming(t *testing.T) {
	f := newFixture(t, 0)
	off := false
	req := userRequest("hi")
	req.Stream = &off

	_, err := f.svc.Prepare(context.Background(), "u1", req)
	require.ErrorIs(t, err, ErrNonStreamNotSupported)
	assert.Empty(t, f.messages(t))
}

func TestPrepareUnknownUserAndConversation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.svc.Prepare(ctx, "ghost", userRequest("hi"))
	require.ErrorIs(t, err, ErrUserNotFound)

	req := userRequest("hi")
	req.ConversationID = "not-mine"
	_, err = f.svc.Prepare(ctx, "u1", req)
	require.ErrorIs(t, err, history.ErrConversationNotFound)
	assert.Empty(t, f.messages(t))
}

func TestPrepareTrimsContext(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.cfg.MaxInputTokens = 10

	req := Request{Messages: []InputMessage{
		{Role: "user", Content: strings.Repeat("a", 40)},
		{Role: "assistant", Content: strings.Repeat("b", 20)},
		{Role: "user", Content: strings.Repeat("c", 20)},
	}}
	turn, err := f.svc.Prepare(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, int64(10), turn.InputTokens())

	turn.Stream(context.Background(), (&recorder{}).emit)
	require.Len(t, f.provider.got.Messages, 2)
	assert.Equal(t, "assistant", f.provider.got.Messages[0].Role)
}
