// Package chat runs one streamed chat turn: validate, precheck quota, persist
// the user's message, relay generated fragments while watching the quota and
// finally persist the reply and charge the tokens.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"starchat/internal/history"
	"starchat/internal/metrics"
	"starchat/internal/providers"
	"starchat/internal/quota"
	"starchat/internal/tokens"
	"starchat/internal/validation"
)

var (
	ErrNonStreamNotSupported = errors.New("non-streaming mode is not supported")
	ErrUserNotFound          = errors.New("user not found")
	ErrQuotaExceeded         = errors.New("daily token quota exceeded")
)

type InputMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"min=1,max=4000"`
}

type Request struct {
	Messages       []InputMessage `json:"messages" validate:"required,min=1,max=20,dive"`
	Stream         *bool          `json:"stream"`
	ConversationID string         `json:"conversationId" validate:"omitempty,max=64"`
}

type Config struct {
	Quota    *quota.Ledger
	History  *history.Store
	Provider providers.Provider

	Model           string
	SystemPrompt    string
	MaxInputTokens  int
	MaxOutputTokens int
	Temperature     float64
	// Prices per 1000 tokens, used for cost logging only.
	PriceInput  float64
	PriceOutput float64

	// FinalizeTimeout bounds the writes done after the client went away.
	FinalizeTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.MaxInputTokens <= 0 {
		cfg.MaxInputTokens = 3000
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 700
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	return &Service{cfg: cfg}
}

// Prepare performs every check that can still fail with a plain HTTP error.
// Nothing is written unless all of them pass; the returned Turn has already
// stored the newest request message.
func (s *Service) Prepare(ctx context.Context, userID string, req Request) (*Turn, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if req.Stream != nil && !*req.Stream {
		return nil, ErrNonStreamNotSupported
	}

	usage, err := s.cfg.Quota.Snapshot(ctx, userID)
	if err != nil {
		if errors.Is(err, quota.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	trimmed := tokens.Trim(msgs, int64(s.cfg.MaxInputTokens), messageText)
	inputTokens := tokens.Sum(trimmed, messageText) + tokens.Estimate(s.cfg.SystemPrompt)

	if !s.cfg.Quota.CheckBudget(usage, inputTokens, int64(s.cfg.MaxOutputTokens)) {
		s.count(OutcomeRejected)
		return nil, ErrQuotaExceeded
	}

	conv, err := s.cfg.History.ResolveConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	last := trimmed[len(trimmed)-1]
	if _, err := s.cfg.History.Save(ctx, userID, conv.ID, last.Role, last.Content, tokens.Estimate(last.Content)); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	return &Turn{
		svc:            s,
		userID:         userID,
		conversationID: conv.ID,
		usage:          usage,
		inputTokens:    inputTokens,
		messages:       trimmed,
	}, nil
}

func (s *Service) count(o Outcome) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChatTurns.WithLabelValues(string(o)).Inc()
	}
}

func messageText(m providers.Message) string {
	return m.Content
}
