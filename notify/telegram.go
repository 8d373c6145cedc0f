package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrInvalidToken is returned when Telegram rejects the bot token.
var ErrInvalidToken = errors.New("telegram rejected bot token")

// TelegramConfig configures the Telegram provider.
type TelegramConfig struct {
	Client   *http.Client
	Token    string
	Endpoint string // Bot API endpoint format; defaults to tgbotapi.APIEndpoint
	ChatID   int64
	// StartupBackoff is the pause between getMe attempts at startup.
	StartupBackoff time.Duration
}

// TelegramProvider sends messages to a single chat through the Bot API.
type TelegramProvider struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
	chatID int64
}

// NewTelegramProvider connects to the Bot API, retrying getMe until it succeeds.
// An invalid token (401/404) fails immediately with ErrInvalidToken.
func NewTelegramProvider(ctx context.Context, cfg TelegramConfig, logger *slog.Logger) (*TelegramProvider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.StartupBackoff <= 0 {
		cfg.StartupBackoff = 5 * time.Second
	}

	jitter := max(cfg.StartupBackoff/4, time.Millisecond)

	var bot *tgbotapi.BotAPI
	err := retry.Do(
		func() error {
			b, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, cfg.Client)
			if err != nil {
				var apiErr *tgbotapi.Error
				if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
					return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrInvalidToken, apiErr.Message))
				}
				return fmt.Errorf("get bot info: %w", err)
			}
			bot = b
			return nil
		},
		retry.Attempts(0),
		retry.Delay(cfg.StartupBackoff),
		retry.MaxDelay(cfg.StartupBackoff),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Telegram not reachable, retrying", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}

	logger.Info("Telegram bot authorized", "username", bot.Self.UserName, "chat_id", cfg.ChatID)
	return &TelegramProvider{
		bot:    bot,
		logger: logger,
		chatID: cfg.ChatID,
	}, nil
}

// Name returns "telegram".
func (*TelegramProvider) Name() string {
	return "telegram"
}

// Send posts msg as plain text with an inline URL button.
// The Bot API client has no context support; cancellation is bounded by the HTTP client timeout.
func (t *TelegramProvider) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := tgbotapi.NewMessage(t.chatID, msg.Text)
	out.DisableWebPagePreview = true
	if msg.ButtonURL != "" {
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL(msg.ButtonLabel, msg.ButtonURL),
			),
		)
	}

	sent, err := t.bot.Send(out)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return fmt.Errorf("send message (retry after %ds): %w", apiErr.RetryAfter, err)
		}
		return fmt.Errorf("send message: %w", err)
	}

	t.logger.Debug("Telegram message delivered", "message_id", sent.MessageID, "chat_id", t.chatID)
	return nil
}
