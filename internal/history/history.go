// Package history persists chat messages encrypted at rest and manages the
// conversations they belong to.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"starchat/internal/crypto"
	"starchat/internal/storage"
)

const DefaultTitle = "New chat"

var ErrConversationNotFound = errors.New("conversation not found")

type Config struct {
	Store  *storage.Store
	Crypto *crypto.Manager
	// RotateOnRead reseals messages found under an older key.
	RotateOnRead bool
	Logger       zerolog.Logger
	Now          func() time.Time
}

type Store struct {
	cfg Config
}

func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{cfg: cfg}
}

// Message is a decrypted chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Tokens         int64     `json:"tokens"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResolveConversation returns conversationID when userID owns it, or the
// user's default conversation, created on first use, when conversationID is
// empty.
func (s *Store) ResolveConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	if conversationID != "" {
		c, err := s.cfg.Store.GetConversation(ctx, userID, conversationID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Conversation{}, ErrConversationNotFound
			}
			return Conversation{}, err
		}
		return toConversation(c), nil
	}
	c, err := s.cfg.Store.EnsureDefaultConversation(ctx, storage.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     DefaultTitle,
		IsDefault: true,
		CreatedAt: s.cfg.Now(),
	})
	if err != nil {
		return Conversation{}, err
	}
	return toConversation(c), nil
}

func (s *Store) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	c := storage.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: s.cfg.Now(),
	}
	if err := s.cfg.Store.CreateConversation(ctx, c); err != nil {
		return Conversation{}, err
	}
	return toConversation(c), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	list, err := s.cfg.Store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(list))
	for _, c := range list {
		out = append(out, toConversation(c))
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	ok, err := s.cfg.Store.DeleteConversation(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConversationNotFound
	}
	return nil
}

// Save encrypts and stores one message.
func (s *Store) Save(ctx context.Context, userID, conversationID, role, content string, tokens int64) (Message, error) {
	sealed, err := s.cfg.Crypto.Seal([]byte(content), aad(userID))
	if err != nil {
		return Message{}, fmt.Errorf("seal message: %w", err)
	}
	m := storage.Message{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Role:           role,
		KeyID:          sealed.KeyID,
		IV:             sealed.IV,
		Ciphertext:     sealed.Ciphertext,
		Tokens:         tokens,
		CreatedAt:      s.cfg.Now(),
	}
	if err := s.cfg.Store.InsertMessage(ctx, m); err != nil {
		return Message{}, err
	}
	return Message{
		ID:             m.ID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      m.CreatedAt,
	}, nil
}

// Recent returns the newest limit messages of the user, optionally limited to
// one conversation, in chronological order.
func (s *Store) Recent(ctx context.Context, userID, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.cfg.Store.ListRecentMessages(ctx, storage.MessageFilter{
		UserID:         userID,
		ConversationID: conversationID,
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, err
	}

	out := make([]Message, len(rows))
	for i, row := range rows {
		m, err := s.open(ctx, row)
		if err != nil {
			return nil, err
		}
		out[len(rows)-1-i] = m
	}
	return out, nil
}

// ConversationMessages is Recent for a conversation the user must own.
func (s *Store) ConversationMessages(ctx context.Context, userID, conversationID string, limit int) ([]Message, error) {
	if _, err := s.ResolveConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.Recent(ctx, userID, conversationID, limit)
}

func (s *Store) open(ctx context.Context, row storage.Message) (Message, error) {
	sealed := crypto.Sealed{KeyID: row.KeyID, IV: row.IV, Ciphertext: row.Ciphertext}
	plain, err := s.cfg.Crypto.Open(sealed, aad(row.UserID))
	if err != nil {
		return Message{}, fmt.Errorf("open message %s: %w", row.ID, err)
	}
	if s.cfg.RotateOnRead && row.KeyID != s.cfg.Crypto.CurrentKeyID() {
		s.rotate(ctx, row, sealed)
	}
	return Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Role:           row.Role,
		Content:        string(plain),
		Tokens:         row.Tokens,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (s *Store) rotate(ctx context.Context, row storage.Message, sealed crypto.Sealed) {
	next, err := s.cfg.Crypto.Reseal(sealed, aad(row.UserID))
	if err == nil {
		err = s.cfg.Store.UpdateMessageCipher(ctx, row.ID, next.KeyID, next.IV, next.Ciphertext)
	}
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Str("message_id", row.ID).Msg("failed to rotate message key")
	}
}

func aad(userID string) []byte {
	return []byte("starchat:message:" + userID)
}

func toConversation(c storage.Conversation) Conversation {
	return Conversation{ID: c.ID, Title: c.Title, IsDefault: c.IsDefault, CreatedAt: c.CreatedAt}
}
