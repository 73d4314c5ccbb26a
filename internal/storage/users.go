package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const userColumns = "id, username, plan, daily_token_limit, tokens_used_today, credits_stars, last_reset_at, created_at, updated_at"

// UpsertUser creates the user on first sight and refreshes the username
// afterwards. Quota fields of an existing user are left untouched.
func (q *Queries) UpsertUser(ctx context.Context, id, username string, dailyLimit int64, now time.Time) (User, error) {
	ts := toMillis(now)
	query := q.sql.Insert("users").
		Columns("id", "username", "plan", "daily_token_limit", "tokens_used_today", "credits_stars", "last_reset_at", "created_at", "updated_at").
		Values(id, username, PlanFree, dailyLimit, 0, 0, ts, ts, ts).
		Suffix("ON CONFLICT(id) DO UPDATE SET username=excluded.username, updated_at=excluded.updated_at RETURNING " + userColumns)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build upsert user query: %w", err)
	}
	u, err := scanUser(q.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// EnsureUser inserts a user with default quota if none exists.
func (q *Queries) EnsureUser(ctx context.Context, id string, dailyLimit int64, now time.Time) error {
	ts := toMillis(now)
	query := q.sql.Insert("users").
		Columns("id", "username", "plan", "daily_token_limit", "tokens_used_today", "credits_stars", "last_reset_at", "created_at", "updated_at").
		Values(id, "", PlanFree, dailyLimit, 0, 0, ts, ts, ts).
		Suffix("ON CONFLICT(id) DO NOTHING")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure user query: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (q *Queries) GetUser(ctx context.Context, id string) (User, error) {
	query := q.sql.Select(userColumns).From("users").Where(sq.Eq{"id": id})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}
	u, err := scanUser(q.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// CommitUsage records tokens in one conditional update. When the last reset
// is older than window the counter restarts at tokens, otherwise it grows.
func (q *Queries) CommitUsage(ctx context.Context, id string, tokens int64, now time.Time, window time.Duration) (User, error) {
	ts := toMillis(now)
	cutoff := toMillis(now.Add(-window))
	query := q.sql.Update("users").
		Set("tokens_used_today", sq.Expr("CASE WHEN last_reset_at < ? THEN ? ELSE tokens_used_today + ? END", cutoff, tokens, tokens)).
		Set("last_reset_at", sq.Expr("CASE WHEN last_reset_at < ? THEN ? ELSE last_reset_at END", cutoff, ts)).
		Set("updated_at", ts).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + userColumns)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build commit usage query: %w", err)
	}
	u, err := scanUser(q.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("commit usage: %w", err)
	}
	return u, nil
}

// CreditStars adds stars, moves the user to the pro plan and raises the daily
// limit to at least paidLimit.
func (q *Queries) CreditStars(ctx context.Context, id string, stars, paidLimit int64, now time.Time) (User, error) {
	query := q.sql.Update("users").
		Set("credits_stars", sq.Expr("credits_stars + ?", stars)).
		Set("plan", PlanPro).
		Set("daily_token_limit", sq.Expr("CASE WHEN daily_token_limit < ? THEN ? ELSE daily_token_limit END", paidLimit, paidLimit)).
		Set("updated_at", toMillis(now)).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + userColumns)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build credit stars query: %w", err)
	}
	u, err := scanUser(q.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("credit stars: %w", err)
	}
	return u, nil
}

// DeleteUserCascade removes the user together with messages, conversations,
// payments and audit entries. It reports whether the user row existed.
func (s *Store) DeleteUserCascade(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.InTx(ctx, func(q *Queries) error {
		for _, table := range []string{"messages", "conversations", "payments", "audit_log"} {
			if _, err := q.exec(ctx, q.sql.Delete(table).Where(sq.Eq{"user_id": id})); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		n, err := q.exec(ctx, q.sql.Delete("users").Where(sq.Eq{"id": id}))
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (q *Queries) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := q.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var lastReset, created, updated int64
	if err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Plan,
		&u.DailyTokenLimit,
		&u.TokensUsedToday,
		&u.CreditsStars,
		&lastReset,
		&created,
		&updated,
	); err != nil {
		return User{}, err
	}
	u.LastResetAt = fromMillis(lastReset)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}
