package chat

import (
	"context"
	"errors"
	"io"
	"strings"

	"starchat/internal/providers"
	"starchat/internal/quota"
	"starchat/internal/storage"
	"starchat/internal/tokens"
)

const (
	EventChunk        = "chunk"
	EventLimitReached = "limit_reached"
	EventDone         = "done"
	EventError        = "error"

	limitMessage   = "Daily token limit reached. Upgrade or wait for your quota to reset."
	genericFailure = "Generation failed. Please try again."
)

// Event is one server-sent message of a turn.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeLimitCut     Outcome = "limit_cut"
	OutcomeErrored      Outcome = "errored"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeRejected     Outcome = "quota_rejected"
)

// Result summarizes a finished turn.
type Result struct {
	Outcome      Outcome
	Text         string
	InputTokens  int64
	OutputTokens int64
	// Usage is the quota after the commit; zero when nothing was committed.
	Usage quota.Usage
}

// Turn is a prepared chat request ready to stream.
type Turn struct {
	svc            *Service
	userID         string
	conversationID string
	usage          quota.Usage
	inputTokens    int64
	messages       []providers.Message
}

func (t *Turn) ConversationID() string { return t.conversationID }

func (t *Turn) InputTokens() int64 { return t.inputTokens }

// Stream consumes the generation one fragment at a time and hands events to
// emit. A failing emit or a cancelled ctx is treated as a client disconnect:
// what was generated so far is still stored and charged. Provider failures
// end the turn with a generic error event and charge nothing.
func (t *Turn) Stream(ctx context.Context, emit func(Event) error) Result {
	cfg := t.svc.cfg
	log := cfg.Logger.With().Str("user_id", t.userID).Str("conversation_id", t.conversationID).Logger()

	res := Result{InputTokens: t.inputTokens}

	stream, err := cfg.Provider.Stream(ctx, providers.ChatRequest{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Messages:     t.messages,
		MaxTokens:    cfg.MaxOutputTokens,
		Temperature:  cfg.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Nothing was generated, so nothing is charged.
			res.Outcome = OutcomeDisconnected
			t.svc.count(res.Outcome)
			return res
		}
		log.Error().Err(err).Msg("provider stream failed to start")
		res.Outcome = OutcomeErrored
		_ = emit(Event{Type: EventError, Message: genericFailure})
		t.svc.count(res.Outcome)
		return res
	}
	defer stream.Close()

	var buf strings.Builder
	var counter tokens.Counter
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			res.Outcome = OutcomeCompleted
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Outcome = OutcomeDisconnected
				break
			}
			log.Error().Err(err).Int("chars", buf.Len()).Msg("provider stream failed")
			res.Outcome = OutcomeErrored
			_ = emit(Event{Type: EventError, Message: genericFailure})
			t.svc.count(res.Outcome)
			return res
		}

		buf.WriteString(frag)
		counter.Add(frag)
		if cfg.Quota.Over(t.usage, t.inputTokens+counter.Tokens()) {
			res.Outcome = OutcomeLimitCut
			if err := emit(Event{Type: EventLimitReached, Message: limitMessage}); err != nil {
				res.Outcome = OutcomeDisconnected
			}
			break
		}
		if err := emit(Event{Type: EventChunk, Content: frag}); err != nil {
			res.Outcome = OutcomeDisconnected
			break
		}
	}
	_ = stream.Close()

	res.Text = buf.String()
	res.OutputTokens = counter.Tokens()
	return t.finish(ctx, res, emit)
}

// finish stores the reply and charges the turn. It runs detached from ctx so
// a disconnect does not lose the accounting.
func (t *Turn) finish(ctx context.Context, res Result, emit func(Event) error) Result {
	cfg := t.svc.cfg
	log := cfg.Logger.With().Str("user_id", t.userID).Str("outcome", string(res.Outcome)).Logger()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.FinalizeTimeout)
	defer cancel()

	var failed bool
	if res.Text != "" {
		if _, err := cfg.History.Save(fctx, t.userID, t.conversationID, storage.RoleAssistant, res.Text, res.OutputTokens); err != nil {
			log.Error().Err(err).Msg("failed to save assistant message")
			failed = true
		}
	}

	total := res.InputTokens + res.OutputTokens
	usage, err := cfg.Quota.CommitUsage(fctx, t.userID, total)
	if err != nil {
		log.Error().Err(err).Int64("tokens", total).Msg("failed to commit usage")
		failed = true
	} else {
		res.Usage = usage
		if cfg.Metrics != nil {
			cfg.Metrics.TokensCommitted.Add(float64(total))
		}
	}

	log.Info().
		Int64("input_tokens", res.InputTokens).
		Int64("output_tokens", res.OutputTokens).
		Float64("cost_usd", t.cost(res)).
		Msg("chat turn finished")

	if res.Outcome == OutcomeCompleted {
		if failed {
			_ = emit(Event{Type: EventError, Message: genericFailure})
		} else {
			_ = emit(Event{Type: EventDone})
		}
	}
	t.svc.count(res.Outcome)
	return res
}

func (t *Turn) cost(res Result) float64 {
	cfg := t.svc.cfg
	return float64(res.InputTokens)/1000*cfg.PriceInput + float64(res.OutputTokens)/1000*cfg.PriceOutput
}
