package telegram

import (
	"context"

	"github.com/rs/zerolog"
)

const (
	greetingText   = "Welcome! Open the app to start chatting with the assistant."
	greetingButton = "Open chat"
)

// Deduper remembers which updates were handled already.
type Deduper interface {
	MarkFirst(ctx context.Context, updateID int64) (bool, error)
}

type Sender interface {
	SendWebAppButton(ctx context.Context, chatID int64, text, buttonText, webAppURL string) error
}

// Greeter answers /start with a button that opens the Mini App.
type Greeter struct {
	Sender    Sender
	Dedupe    Deduper
	WebAppURL string
	Logger    zerolog.Logger
}

// Greet reports whether a greeting was sent for u. Redelivered updates are
// dropped when a Deduper is set.
func (g *Greeter) Greet(ctx context.Context, u Update) (bool, error) {
	if g == nil || g.Sender == nil || !u.IsStart() {
		return false, nil
	}
	if g.Dedupe != nil && u.UpdateID != 0 {
		first, err := g.Dedupe.MarkFirst(ctx, u.UpdateID)
		if err != nil {
			g.Logger.Warn().Err(err).Int64("update_id", u.UpdateID).Msg("dedupe failed, greeting anyway")
		} else if !first {
			g.Logger.Debug().Int64("update_id", u.UpdateID).Msg("duplicate update skipped")
			return false, nil
		}
	}
	if err := g.Sender.SendWebAppButton(ctx, u.Message.Chat.ID, greetingText, greetingButton, g.WebAppURL); err != nil {
		return false, err
	}
	return true, nil
}
