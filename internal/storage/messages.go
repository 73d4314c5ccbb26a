package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const messageColumns = "id, user_id, conversation_id, role, key_id, iv, ciphertext, tokens, created_at"

func (q *Queries) InsertMessage(ctx context.Context, m Message) error {
	query := q.sql.Insert("messages").
		Columns("id", "user_id", "conversation_id", "role", "key_id", "iv", "ciphertext", "tokens", "created_at").
		Values(m.ID, m.UserID, m.ConversationID, m.Role, m.KeyID, m.IV, m.Ciphertext, m.Tokens, toMillis(m.CreatedAt))
	if _, err := q.exec(ctx, query); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessageFilter selects messages of one user, optionally narrowed to one
// conversation.
type MessageFilter struct {
	UserID         string
	ConversationID string
	Limit          uint64
}

// ListRecentMessages returns up to f.Limit messages, newest first. Messages
// written in the same millisecond keep insertion order.
func (q *Queries) ListRecentMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	where := sq.Eq{"user_id": f.UserID}
	if f.ConversationID != "" {
		where["conversation_id"] = f.ConversationID
	}
	query := q.sql.Select(messageColumns).
		From("messages").
		Where(where).
		OrderBy("created_at DESC", "seq DESC")
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := q.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Role, &m.KeyID, &m.IV, &m.Ciphertext, &m.Tokens, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// UpdateMessageCipher replaces the sealed payload of a message, used when a
// message is moved to a newer key.
func (q *Queries) UpdateMessageCipher(ctx context.Context, id, keyID string, iv, ciphertext []byte) error {
	query := q.sql.Update("messages").
		Set("key_id", keyID).
		Set("iv", iv).
		Set("ciphertext", ciphertext).
		Where(sq.Eq{"id": id})
	n, err := q.exec(ctx, query)
	if err != nil {
		return fmt.Errorf("update message cipher: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
