package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

// Publisher publishes encoded alerts; messaging.NATSClient satisfies it.
type Publisher interface {
	PublishAdminAlert(data []byte) error
}

// NATSSink hands alerts to the notifier process over NATS.
type NATSSink struct {
	pub Publisher
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

// Send publishes a on alert.admin.
func (s *NATSSink) Send(_ context.Context, a Alert) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}
	if err := s.pub.PublishAdminAlert(data); err != nil {
		return fmt.Errorf("alert: publish: %w", err)
	}
	return nil
}

// BotClient is the subset of the Telegram bot API the sink uses.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramSink posts alerts to a Telegram chat.
type TelegramSink struct {
	client BotClient
	chatID string
}

// NewTelegramSink creates a bot for token and posts to chatID.
func NewTelegramSink(token, chatID string) (*TelegramSink, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("alert: telegram token and chat id are required")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("alert: telegram bot: %w", err)
	}
	return NewTelegramSinkWithClient(b, chatID), nil
}

// NewTelegramSinkWithClient wraps an existing bot client.
func NewTelegramSinkWithClient(client BotClient, chatID string) *TelegramSink {
	return &TelegramSink{client: client, chatID: chatID}
}

// Send posts the formatted alert.
func (s *TelegramSink) Send(ctx context.Context, a Alert) error {
	_, err := s.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      Format(a),
		ParseMode: models.ParseModeMarkdownV1,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: bot.True(),
		},
	})
	if err != nil {
		return fmt.Errorf("alert: telegram send: %w", err)
	}
	return nil
}

// LogSink writes alerts to the log when no external channel is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alert")}
}

// Send logs a.
func (s *LogSink) Send(_ context.Context, a Alert) error {
	s.logger.Info("admin alert",
		zap.String("message_id", a.MessageID),
		zap.String("from_id", a.FromID),
		zap.String("from", a.From),
		zap.Bool("has_image", a.HasImage))
	return nil
}
