package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// Invoice describes a Telegram Stars invoice.
type Invoice struct {
	Title       string
	Description string
	Payload     string
	Currency    string
	PriceLabel  string
	Amount      int64
}

// Client is the slice of the Bot API this service calls.
type Client struct {
	bot   *gotgbot.Bot
	token string
}

func NewClient(token string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("bot token is empty")
	}
	bot, err := gotgbot.NewBot(token, &gotgbot.BotOpts{DisableTokenCheck: true})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %s", SanitizeError(err, token))
	}
	return &Client{bot: bot, token: token}, nil
}

func (c *Client) CreateInvoiceLink(ctx context.Context, inv Invoice) (string, error) {
	link, err := c.bot.CreateInvoiceLinkWithContext(ctx,
		inv.Title,
		inv.Description,
		inv.Payload,
		inv.Currency,
		[]gotgbot.LabeledPrice{{Label: inv.PriceLabel, Amount: inv.Amount}},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("create invoice link: %s", SanitizeError(err, c.token))
	}
	return link, nil
}

// AnswerPreCheckout approves or declines a pre-checkout query. errMsg is
// shown to the user when ok is false.
func (c *Client) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error {
	opts := &gotgbot.AnswerPreCheckoutQueryOpts{}
	if !ok {
		opts.ErrorMessage = errMsg
	}
	if _, err := c.bot.AnswerPreCheckoutQueryWithContext(ctx, queryID, ok, opts); err != nil {
		return fmt.Errorf("answer pre-checkout query: %s", SanitizeError(err, c.token))
	}
	return nil
}

// SendWebAppButton sends text with a single button opening the Mini App.
func (c *Client) SendWebAppButton(ctx context.Context, chatID int64, text, buttonText, webAppURL string) error {
	opts := &gotgbot.SendMessageOpts{}
	if webAppURL != "" {
		opts.ReplyMarkup = gotgbot.InlineKeyboardMarkup{
			InlineKeyboard: [][]gotgbot.InlineKeyboardButton{{
				{Text: buttonText, WebApp: &gotgbot.WebAppInfo{Url: webAppURL}},
			}},
		}
	}
	if _, err := c.bot.SendMessageWithContext(ctx, chatID, text, opts); err != nil {
		return fmt.Errorf("send message: %s", SanitizeError(err, c.token))
	}
	return nil
}

// SanitizeError renders err with the bot token removed.
func SanitizeError(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
