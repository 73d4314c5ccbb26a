package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const paymentColumns = "id, user_id, amount_stars, description, payload, status, telegram_charge_id, created_at, paid_at"

func (q *Queries) CreatePayment(ctx context.Context, p Payment) error {
	if p.Status == "" {
		p.Status = PaymentPending
	}
	query := q.sql.Insert("payments").
		Columns("id", "user_id", "amount_stars", "description", "payload", "status", "telegram_charge_id", "created_at", "paid_at").
		Values(p.ID, p.UserID, p.AmountStars, p.Description, p.Payload, p.Status, p.TelegramChargeID, toMillis(p.CreatedAt), nullableMillis(p.PaidAt))
	if _, err := q.exec(ctx, query); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// InsertPaidPayment records a payment that was confirmed before we ever saw
// it pending. It reports false when a row with that id already exists.
func (q *Queries) InsertPaidPayment(ctx context.Context, p Payment) (bool, error) {
	p.Status = PaymentPaid
	query := q.sql.Insert("payments").
		Columns("id", "user_id", "amount_stars", "description", "payload", "status", "telegram_charge_id", "created_at", "paid_at").
		Values(p.ID, p.UserID, p.AmountStars, p.Description, p.Payload, p.Status, p.TelegramChargeID, toMillis(p.CreatedAt), nullableMillis(p.PaidAt)).
		Suffix("ON CONFLICT(id) DO NOTHING")
	n, err := q.exec(ctx, query)
	if err != nil {
		return false, fmt.Errorf("insert paid payment: %w", err)
	}
	return n == 1, nil
}

func (q *Queries) GetPayment(ctx context.Context, id string) (Payment, error) {
	query := q.sql.Select(paymentColumns).From("payments").Where(sq.Eq{"id": id})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return Payment{}, fmt.Errorf("build get payment query: %w", err)
	}

	var p Payment
	var created int64
	var paid sql.NullInt64
	if err := q.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID,
		&p.UserID,
		&p.AmountStars,
		&p.Description,
		&p.Payload,
		&p.Status,
		&p.TelegramChargeID,
		&created,
		&paid,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	if paid.Valid {
		t := fromMillis(paid.Int64)
		p.PaidAt = &t
	}
	return p, nil
}

// MarkPaymentPaid moves a pending payment to paid. It reports false when the
// payment was not pending, so only one caller ever wins the transition.
func (q *Queries) MarkPaymentPaid(ctx context.Context, id, chargeID string, now time.Time) (bool, error) {
	query := q.sql.Update("payments").
		Set("status", PaymentPaid).
		Set("telegram_charge_id", chargeID).
		Set("paid_at", toMillis(now)).
		Where(sq.Eq{"id": id, "status": PaymentPending})
	n, err := q.exec(ctx, query)
	if err != nil {
		return false, fmt.Errorf("mark payment paid: %w", err)
	}
	return n == 1, nil
}

func (q *Queries) AppendAudit(ctx context.Context, e AuditEntry, now time.Time) error {
	if e.MetaJSON == "" {
		e.MetaJSON = "{}"
	}
	query := q.sql.Insert("audit_log").
		Columns("user_id", "action", "meta_json", "created_at").
		Values(e.UserID, e.Action, e.MetaJSON, toMillis(now))
	if _, err := q.exec(ctx, query); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit entries of a user.
func (q *Queries) ListAudit(ctx context.Context, userID string, limit uint64) ([]AuditEntry, error) {
	query := q.sql.Select("user_id", "action", "meta_json").
		From("audit_log").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(limit)
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}
	rows, err := q.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.UserID, &e.Action, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
