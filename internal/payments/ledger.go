// Package payments issues Telegram Stars invoices and settles them from
// webhook updates. Settlement is idempotent: a payment moves from pending to
// paid once and credits its owner once, however often Telegram delivers the
// update.
package payments

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"starchat/internal/metrics"
	"starchat/internal/quota"
	"starchat/internal/storage"
	"starchat/internal/telegram"
	"starchat/internal/validation"
)

var (
	ErrUnauthorized   = errors.New("invalid webhook secret")
	ErrInvalidWebhook = errors.New("missing payment fields")
)

const fallbackInvoiceURL = "https://t.me/invoice/"

// Bot is the part of the Bot API used for payments. A nil Bot disables
// invoice links and pre-checkout answers.
type Bot interface {
	CreateInvoiceLink(ctx context.Context, inv telegram.Invoice) (string, error)
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error
}

type Config struct {
	Store *storage.Store
	Quota *quota.Ledger
	Bot   Bot

	Title         string
	PriceLabel    string
	Currency      string
	WebhookSecret string
	// FreeDailyTokens is the limit of users first seen through a payment.
	FreeDailyTokens int64

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Ledger struct {
	cfg Config
}

func New(cfg Config) *Ledger {
	if cfg.Title == "" {
		cfg.Title = "AI Chat Credits"
	}
	if cfg.PriceLabel == "" {
		cfg.PriceLabel = "Credits"
	}
	if cfg.Currency == "" {
		cfg.Currency = "XTR"
	}
	if cfg.FreeDailyTokens <= 0 {
		cfg.FreeDailyTokens = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{cfg: cfg}
}

type InvoiceRequest struct {
	AmountStars int64  `json:"amountStars" validate:"min=1,max=10000"`
	Description string `json:"description" validate:"min=1,max=255"`
}

type Price struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// InvoicePayload is what the client passes to Telegram.WebApp.openInvoice
// when it builds the invoice itself.
type InvoicePayload struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Payload       string  `json:"payload"`
	ProviderToken string  `json:"provider_token"`
	Currency      string  `json:"currency"`
	Prices        []Price `json:"prices"`
}

type Invoice struct {
	PaymentID      string         `json:"paymentId"`
	InvoicePayload InvoicePayload `json:"invoicePayload"`
	InvoiceURL     string         `json:"invoiceUrl"`
}

// CreateInvoice records a pending payment for userID and describes the
// matching Stars invoice. The payment id doubles as invoice payload.
func (l *Ledger) CreateInvoice(ctx context.Context, userID string, req InvoiceRequest) (Invoice, error) {
	if err := validation.Struct(req); err != nil {
		return Invoice{}, err
	}

	p := storage.Payment{
		ID:          uuid.NewString(),
		UserID:      userID,
		AmountStars: req.AmountStars,
		Description: req.Description,
		Status:      storage.PaymentPending,
		CreatedAt:   l.cfg.Now(),
	}
	p.Payload = p.ID
	if err := l.cfg.Store.CreatePayment(ctx, p); err != nil {
		return Invoice{}, err
	}
	l.count("created")

	inv := Invoice{
		PaymentID: p.ID,
		InvoicePayload: InvoicePayload{
			Title:       l.cfg.Title,
			Description: req.Description,
			Payload:     p.Payload,
			Currency:    l.cfg.Currency,
			Prices:      []Price{{Label: l.cfg.PriceLabel, Amount: req.AmountStars}},
		},
		InvoiceURL: fallbackInvoiceURL + p.ID,
	}

	if l.cfg.Bot != nil {
		link, err := l.cfg.Bot.CreateInvoiceLink(ctx, telegram.Invoice{
			Title:       l.cfg.Title,
			Description: req.Description,
			Payload:     p.Payload,
			Currency:    l.cfg.Currency,
			PriceLabel:  l.cfg.PriceLabel,
			Amount:      req.AmountStars,
		})
		if err != nil {
			l.cfg.Logger.Warn().Err(err).Str("payment_id", p.ID).Msg("invoice link failed, using fallback url")
		} else {
			inv.InvoiceURL = link
		}
	}
	return inv, nil
}

type WebhookResult struct {
	OK               bool `json:"ok"`
	AlreadyProcessed bool `json:"alreadyProcessed,omitempty"`
}

// Authorize checks the webhook secret header. An unset secret rejects every
// request.
func (l *Ledger) Authorize(secret string) error {
	want := l.cfg.WebhookSecret
	if want == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// HandleWebhook processes one Bot API update: pre-checkout queries are
// answered and successful payments are settled. Other updates are
// acknowledged without effect.
func (l *Ledger) HandleWebhook(ctx context.Context, secret string, u telegram.Update) (WebhookResult, error) {
	if err := l.Authorize(secret); err != nil {
		l.count("unauthorized")
		return WebhookResult{}, err
	}

	if u.PreCheckoutQuery != nil {
		l.answerPreCheckout(ctx, u.PreCheckoutQuery)
		return WebhookResult{OK: true}, nil
	}

	sp, fromID, ok := u.Payment()
	if !ok {
		return WebhookResult{OK: true}, nil
	}
	if sp.InvoicePayload == "" || sp.TotalAmount == nil || *sp.TotalAmount <= 0 || fromID == 0 {
		l.count("invalid")
		return WebhookResult{}, ErrInvalidWebhook
	}

	already, err := l.settle(ctx, sp, strconv.FormatInt(fromID, 10))
	if err != nil {
		l.count("error")
		return WebhookResult{}, err
	}
	if already {
		l.count("duplicate")
		return WebhookResult{OK: true, AlreadyProcessed: true}, nil
	}
	l.count("paid")
	return WebhookResult{OK: true}, nil
}

// settle reports true when the payment had been settled before.
func (l *Ledger) settle(ctx context.Context, sp *telegram.SuccessfulPayment, senderID string) (bool, error) {
	now := l.cfg.Now()
	amount := *sp.TotalAmount
	log := l.cfg.Logger.With().Str("payment_id", sp.InvoicePayload).Str("sender_id", senderID).Logger()

	var already bool
	err := l.cfg.Store.InTx(ctx, func(q *storage.Queries) error {
		owner := senderID
		existing, err := q.GetPayment(ctx, sp.InvoicePayload)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Paid before we saw it pending; record it for the sender.
			if err := q.EnsureUser(ctx, senderID, l.cfg.FreeDailyTokens, now); err != nil {
				return err
			}
			inserted, err := q.InsertPaidPayment(ctx, storage.Payment{
				ID:               sp.InvoicePayload,
				UserID:           senderID,
				AmountStars:      amount,
				Payload:          sp.InvoicePayload,
				TelegramChargeID: sp.TelegramPaymentChargeID,
				CreatedAt:        now,
				PaidAt:           &now,
			})
			if err != nil {
				return err
			}
			if !inserted {
				already = true
				return nil
			}
			log.Warn().Msg("reconciled payment unknown to the ledger")
		case err != nil:
			return err
		case existing.Status == storage.PaymentPaid:
			already = true
			return nil
		default:
			won, err := q.MarkPaymentPaid(ctx, existing.ID, sp.TelegramPaymentChargeID, now)
			if err != nil {
				return err
			}
			if !won {
				already = true
				return nil
			}
			owner = existing.UserID
			if owner != senderID {
				log.Warn().Str("owner_id", owner).Msg("payment sent by a different user than its owner")
			}
			if existing.AmountStars != amount {
				log.Warn().Int64("expected", existing.AmountStars).Int64("paid", amount).Msg("paid amount differs from invoice")
			}
		}

		if _, err := l.cfg.Quota.With(q).CreditStars(ctx, owner, amount); err != nil {
			return fmt.Errorf("credit payment %s: %w", sp.InvoicePayload, err)
		}
		meta, err := json.Marshal(map[string]any{
			"paymentId": sp.InvoicePayload,
			"amount":    amount,
			"chargeId":  sp.TelegramPaymentChargeID,
		})
		if err != nil {
			return fmt.Errorf("marshal audit meta: %w", err)
		}
		return q.AppendAudit(ctx, storage.AuditEntry{UserID: owner, Action: "payment.paid", MetaJSON: string(meta)}, now)
	})
	if err != nil {
		return false, fmt.Errorf("settle payment: %w", err)
	}
	if !already {
		log.Info().Int64("stars", amount).Msg("payment settled")
	}
	return already, nil
}

// answerPreCheckout approves queries for pending payments of the invoiced
// amount. Failures are logged; Telegram cancels unanswered queries itself.
func (l *Ledger) answerPreCheckout(ctx context.Context, pq *telegram.PreCheckoutQuery) {
	if l.cfg.Bot == nil {
		l.cfg.Logger.Warn().Str("query_id", pq.ID).Msg("pre-checkout query received without a bot client")
		return
	}

	ok, reason := true, ""
	p, err := l.cfg.Store.GetPayment(ctx, pq.InvoicePayload)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ok, reason = false, "This invoice is no longer valid."
	case err != nil:
		l.cfg.Logger.Error().Err(err).Str("payment_id", pq.InvoicePayload).Msg("failed to load payment for pre-checkout")
		ok, reason = false, "Payment cannot be processed right now."
	case p.Status != storage.PaymentPending:
		ok, reason = false, "This invoice has already been paid."
	case p.AmountStars != pq.TotalAmount:
		ok, reason = false, "Invoice amount mismatch."
	}

	if err := l.cfg.Bot.AnswerPreCheckout(ctx, pq.ID, ok, reason); err != nil {
		l.cfg.Logger.Error().Err(err).Str("query_id", pq.ID).Msg("failed to answer pre-checkout query")
		return
	}
	if ok {
		l.count("precheckout_ok")
	} else {
		l.count("precheckout_declined")
	}
}

func (l *Ledger) count(result string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.Payments.WithLabelValues(result).Inc()
	}
}
