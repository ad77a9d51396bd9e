package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"linkbot/internal/linking"
	"linkbot/internal/phone"
)

const msgOwnContact = "Please share your own phone number."

// EventHandler обрабатывает событие чата.
type EventHandler interface {
	Handle(ctx context.Context, event linking.Event) (linking.Outcome, error)
}

// Limiter ограничивает число входящих сообщений одного чата.
type Limiter interface {
	Allow(key string) bool
}

// Recorder считает обновления и итоги их обработки.
type Recorder interface {
	IncUpdates()
	IncTransportFailures()
	RecordOutcome(outcome string)
}

// Bot переводит обновления Telegram в события чата.
type Bot struct {
	sender   Service
	handler  EventHandler
	limiter  Limiter
	recorder Recorder
	logger   *slog.Logger
}

// NewBot создает обработчик бота Telegram. limiter и recorder могут быть nil.
func NewBot(sender Service, handler EventHandler, limiter Limiter, recorder Recorder, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		sender:   sender,
		handler:  handler,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
	}
}

// HandleUpdate передает личное сообщение в обработчик событий.
// Сбой доставки или хранилища только логируется, чтобы Telegram не повторял обновление.
func (b *Bot) HandleUpdate(ctx context.Context, update Update) error {
	msg := update.IncomingMessage()
	if msg == nil {
		return nil
	}
	if msg.Chat.ID <= 0 {
		return nil
	}
	if msg.Chat.Type != "" && msg.Chat.Type != "private" {
		return nil
	}
	if b.recorder != nil {
		b.recorder.IncUpdates()
	}

	chatID := msg.Chat.ID
	if b.limiter != nil && !b.limiter.Allow(strconv.FormatInt(chatID, 10)) {
		b.logger.Debug("telegram update rate limited", slog.Int64("chat_id", chatID))
		b.record(linking.OutcomeRateLimited)
		return nil
	}

	event := linking.Event{ChatID: chatID, Text: msg.Text}
	if msg.Contact != nil {
		if msg.Contact.UserID == 0 || msg.Contact.UserID != msg.From.ID {
			if err := b.sender.SendMessage(ctx, chatID, msgOwnContact); err != nil {
				b.logger.Error("telegram send failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
			}
			b.record(linking.OutcomeIgnored)
			return nil
		}
		event.Contact = &linking.Contact{PhoneNumber: phone.Normalize(msg.Contact.PhoneNumber)}
	}

	outcome, err := b.handler.Handle(ctx, event)
	b.record(outcome)
	if err != nil {
		if errors.Is(err, linking.ErrTransport) {
			if b.recorder != nil {
				b.recorder.IncTransportFailures()
			}
			b.logger.Error("link event aborted", slog.Int64("chat_id", chatID), slog.Int64("update_id", update.UpdateID), slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	b.logger.Debug("link event handled", slog.Int64("chat_id", chatID), slog.String("outcome", string(outcome)))
	return nil
}

func (b *Bot) record(outcome linking.Outcome) {
	if b.recorder != nil {
		b.recorder.RecordOutcome(string(outcome))
	}
}
