package storage

import "time"

const (
	PlanFree = "free"
	PlanPro  = "pro"

	PaymentPending = "pending"
	PaymentPaid    = "paid"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID              string
	Username        string
	Plan            string
	DailyTokenLimit int64
	TokensUsedToday int64
	CreditsStars    int64
	LastResetAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	IsDefault bool
	CreatedAt time.Time
}

// Message is a stored chat message. Only the sealed form is persisted.
type Message struct {
	ID             string
	UserID         string
	ConversationID string
	Role           string
	KeyID          string
	IV             []byte
	Ciphertext     []byte
	Tokens         int64
	CreatedAt      time.Time
}

type Payment struct {
	ID               string
	UserID           string
	AmountStars      int64
	Description      string
	Payload          string
	Status           string
	TelegramChargeID string
	CreatedAt        time.Time
	PaidAt           *time.Time
}

type AuditEntry struct {
	UserID   string
	Action   string
	MetaJSON string
}
