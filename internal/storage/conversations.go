package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const conversationColumns = "id, user_id, title, is_default, created_at"

func (q *Queries) CreateConversation(ctx context.Context, c Conversation) error {
	query := q.sql.Insert("conversations").
		Columns("id", "user_id", "title", "is_default", "created_at").
		Values(c.ID, c.UserID, c.Title, boolToInt(c.IsDefault), toMillis(c.CreatedAt))
	if _, err := q.exec(ctx, query); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation only returns conversations owned by userID.
func (q *Queries) GetConversation(ctx context.Context, userID, id string) (Conversation, error) {
	query := q.sql.Select(conversationColumns).From("conversations").Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}
	c, err := scanConversation(q.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// EnsureDefaultConversation returns the user's default conversation, creating
// c as the default when there is none. Concurrent callers converge on one row.
func (q *Queries) EnsureDefaultConversation(ctx context.Context, c Conversation) (Conversation, error) {
	insert := q.sql.Insert("conversations").
		Columns("id", "user_id", "title", "is_default", "created_at").
		Values(c.ID, c.UserID, c.Title, 1, toMillis(c.CreatedAt)).
		Suffix("ON CONFLICT DO NOTHING")
	if _, err := q.exec(ctx, insert); err != nil {
		return Conversation{}, fmt.Errorf("insert default conversation: %w", err)
	}

	query := q.sql.Select(conversationColumns).From("conversations").Where(sq.Eq{"user_id": c.UserID, "is_default": 1})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build default conversation query: %w", err)
	}
	out, err := scanConversation(q.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		return Conversation{}, fmt.Errorf("get default conversation: %w", err)
	}
	return out, nil
}

func (q *Queries) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	query := q.sql.Select(conversationColumns).
		From("conversations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id ASC")
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes the conversation and its messages. It reports
// false when userID owns no conversation with that id.
func (s *Store) DeleteConversation(ctx context.Context, userID, id string) (bool, error) {
	var deleted bool
	err := s.InTx(ctx, func(q *Queries) error {
		n, err := q.exec(ctx, q.sql.Delete("conversations").Where(sq.Eq{"id": id, "user_id": userID}))
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if n == 0 {
			return nil
		}
		deleted = true
		if _, err := q.exec(ctx, q.sql.Delete("messages").Where(sq.Eq{"conversation_id": id, "user_id": userID})); err != nil {
			return fmt.Errorf("delete conversation messages: %w", err)
		}
		return nil
	})
	return deleted, err
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var isDefault, created int64
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &isDefault, &created); err != nil {
		return Conversation{}, err
	}
	c.IsDefault = isDefault != 0
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
