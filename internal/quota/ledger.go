// Package quota accounts daily token usage per user. Usage resets lazily: a
// commit made more than one window after the last reset starts a new window.
//
// The budget check and the commit are separate steps, so concurrent requests
// of one user may both pass the check and overshoot the limit by up to one
// request. Commits themselves are single conditional updates and never lose
// usage.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"starchat/internal/storage"
)

var ErrUserNotFound = errors.New("user not found")

type Store interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	CommitUsage(ctx context.Context, id string, tokens int64, now time.Time, window time.Duration) (storage.User, error)
	CreditStars(ctx context.Context, id string, stars, paidLimit int64, now time.Time) (storage.User, error)
}

type Config struct {
	Store           Store
	ResetWindow     time.Duration
	PaidDailyTokens int64
	// Bypass disables CheckBudget. Meant for load tests only.
	Bypass bool
	Now    func() time.Time
}

type Ledger struct {
	cfg Config
}

func New(cfg Config) *Ledger {
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{cfg: cfg}
}

// With returns a ledger running against store, typically a transaction.
func (l *Ledger) With(store Store) *Ledger {
	cfg := l.cfg
	cfg.Store = store
	return &Ledger{cfg: cfg}
}

// Usage is a user's quota as seen at a point in time.
type Usage struct {
	UserID          string
	Plan            string
	DailyTokenLimit int64
	TokensUsedToday int64
	CreditsStars    int64
	LastResetAt     time.Time
}

// Remaining is never negative.
func (u Usage) Remaining() int64 {
	if r := u.DailyTokenLimit - u.TokensUsedToday; r > 0 {
		return r
	}
	return 0
}

// Exceeds reports whether spending extra more tokens goes over the limit.
func (u Usage) Exceeds(extra int64) bool {
	return u.TokensUsedToday+extra > u.DailyTokenLimit
}

// Snapshot reads the user's quota. Usage from an elapsed window reads as zero
// before the next commit rewrites it.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Usage, error) {
	u, err := l.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Usage{}, ErrUserNotFound
		}
		return Usage{}, fmt.Errorf("load quota: %w", err)
	}
	return l.usage(u, l.cfg.Now()), nil
}

func (l *Ledger) usage(u storage.User, now time.Time) Usage {
	out := Usage{
		UserID:          u.ID,
		Plan:            u.Plan,
		DailyTokenLimit: u.DailyTokenLimit,
		TokensUsedToday: u.TokensUsedToday,
		CreditsStars:    u.CreditsStars,
		LastResetAt:     u.LastResetAt,
	}
	if now.Sub(u.LastResetAt) > l.cfg.ResetWindow {
		out.TokensUsedToday = 0
	}
	return out
}

// CheckBudget reports whether a request with inputTokens of context and up to
// maxOutputTokens of output fits the remaining budget.
func (l *Ledger) CheckBudget(u Usage, inputTokens, maxOutputTokens int64) bool {
	return !l.Over(u, inputTokens+maxOutputTokens)
}

// Over reports whether spending tokens on top of u breaks the limit, honoring
// the bypass switch.
func (l *Ledger) Over(u Usage, tokens int64) bool {
	if l.cfg.Bypass {
		return false
	}
	return u.Exceeds(tokens)
}

func (l *Ledger) CommitUsage(ctx context.Context, userID string, tokens int64) (Usage, error) {
	if tokens < 0 {
		tokens = 0
	}
	now := l.cfg.Now()
	u, err := l.cfg.Store.CommitUsage(ctx, userID, tokens, now, l.cfg.ResetWindow)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Usage{}, ErrUserNotFound
		}
		return Usage{}, fmt.Errorf("commit usage: %w", err)
	}
	return l.usage(u, now), nil
}

// CreditStars adds purchased stars and grants the paid tier. Any positive
// amount grants the full paid limit.
func (l *Ledger) CreditStars(ctx context.Context, userID string, stars int64) (Usage, error) {
	if stars <= 0 {
		return Usage{}, fmt.Errorf("stars must be positive, got %d", stars)
	}
	now := l.cfg.Now()
	u, err := l.cfg.Store.CreditStars(ctx, userID, stars, l.cfg.PaidDailyTokens, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Usage{}, ErrUserNotFound
		}
		return Usage{}, fmt.Errorf("credit stars: %w", err)
	}
	return l.usage(u, now), nil
}
