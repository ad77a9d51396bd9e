package notify

import (
	"context"
	"log/slog"

	"linkbot/internal/linking"
	"linkbot/internal/mailer"
	"linkbot/internal/telegram"
)

// Gateway доставляет сообщения в чат Telegram и письма на email.
type Gateway struct {
	chat   telegram.Service
	mail   mailer.Sender
	logger *slog.Logger
}

// NewGateway создает шлюз уведомлений.
func NewGateway(chat telegram.Service, mail mailer.Sender, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{chat: chat, mail: mail, logger: logger}
}

func (g *Gateway) SendChatMessage(ctx context.Context, chatID int64, text string, opts linking.ChatOptions) error {
	var markup any
	switch {
	case opts.RequestContact:
		markup = telegram.ContactKeyboard()
	case opts.RemoveKeyboard:
		markup = telegram.RemoveKeyboard()
	}
	if markup != nil {
		if sender, ok := g.chat.(telegram.MarkupSender); ok {
			return sender.SendMessageWithMarkup(ctx, chatID, text, markup)
		}
	}
	return g.chat.SendMessage(ctx, chatID, text)
}

func (g *Gateway) SendEmail(ctx context.Context, to, subject, body string) error {
	if g.mail == nil {
		g.logger.Warn("email delivery disabled", slog.String("subject", subject))
		return nil
	}
	return g.mail.Send(ctx, to, subject, body)
}
