package telegram

// Update is the subset of a Bot API update this service reacts to. Telegram
// nests successful_payment inside message; the flattened form with
// successful_payment and from at the top level is accepted as well.
type Update struct {
	UpdateID          int64              `json:"update_id"`
	Message           *Message           `json:"message,omitempty"`
	PreCheckoutQuery  *PreCheckoutQuery  `json:"pre_checkout_query,omitempty"`
	SuccessfulPayment *SuccessfulPayment `json:"successful_payment,omitempty"`
	From              *From              `json:"from,omitempty"`
}

type Message struct {
	MessageID         int64              `json:"message_id"`
	From              *From              `json:"from,omitempty"`
	Chat              *Chat              `json:"chat,omitempty"`
	Text              string             `json:"text,omitempty"`
	SuccessfulPayment *SuccessfulPayment `json:"successful_payment,omitempty"`
}

type From struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// SuccessfulPayment keeps TotalAmount as a pointer so an absent field can be
// told apart from zero.
type SuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             *int64 `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
}

type PreCheckoutQuery struct {
	ID             string `json:"id"`
	From           *From  `json:"from,omitempty"`
	Currency       string `json:"currency"`
	TotalAmount    int64  `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload"`
}

// Payment returns the successful payment carried by u and the id of its
// sender. ok is false when u carries no payment.
func (u Update) Payment() (sp *SuccessfulPayment, fromID int64, ok bool) {
	if u.SuccessfulPayment != nil {
		if u.From != nil {
			fromID = u.From.ID
		}
		return u.SuccessfulPayment, fromID, true
	}
	if u.Message != nil && u.Message.SuccessfulPayment != nil {
		if u.Message.From != nil {
			fromID = u.Message.From.ID
		}
		return u.Message.SuccessfulPayment, fromID, true
	}
	return nil, 0, false
}

// IsStart reports whether u is a /start command in a private chat.
func (u Update) IsStart() bool {
	if u.Message == nil || u.Message.Chat == nil || u.Message.Chat.Type != "private" {
		return false
	}
	text := u.Message.Text
	if len(text) < len("/start") || text[:len("/start")] != "/start" {
		return false
	}
	rest := text[len("/start"):]
	return rest == "" || rest[0] == ' ' || rest[0] == '@'
}
