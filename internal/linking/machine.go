package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
)

// Notifier доставляет сообщения в чат и на почту.
type Notifier interface {
	SendChatMessage(ctx context.Context, chatID int64, text string, opts ChatOptions) error
	SendEmail(ctx context.Context, to, subject, body string) error
}

// RateLimiter ограничивает число попыток для одного ключа.
type RateLimiter interface {
	Allow(key string) bool
}

// MachineConfig задает необязательное поведение машины состояний.
type MachineConfig struct {
	// SweepOnEvent запускает Sweeper перед каждым событием.
	SweepOnEvent bool
	// AttemptLimiter ограничивает проверки кода для одного запроса.
	AttemptLimiter RateLimiter
	// SendLimiter ограничивает выпуск кодов для одного email.
	SendLimiter RateLimiter
}

// Machine ведет диалог привязки чата к аккаунту. Состояние не хранится
// в памяти: на каждое событие оно заново читается из хранилищ.
type Machine struct {
	accounts     AccountStore
	requests     LinkRequestStore
	notifier     Notifier
	codec        *Codec
	sweeper      *Sweeper
	sweepOnEvent bool
	attempts     RateLimiter
	sends        RateLimiter
	clock        func() time.Time
	logger       *slog.Logger
}

// NewMachine создает машину состояний привязки.
func NewMachine(accounts AccountStore, requests LinkRequestStore, notifier Notifier, codec *Codec, sweeper *Sweeper, cfg MachineConfig, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = NewCodec(DefaultOTPLength, DefaultOTPTTL)
	}
	if sweeper == nil {
		sweeper = NewSweeper(requests, DefaultRequestTTL, logger)
	}
	return &Machine{
		accounts:     accounts,
		requests:     requests,
		notifier:     notifier,
		codec:        codec,
		sweeper:      sweeper,
		sweepOnEvent: cfg.SweepOnEvent,
		attempts:     cfg.AttemptLimiter,
		sends:        cfg.SendLimiter,
		clock:        time.Now,
		logger:       logger,
	}
}

// Handle обрабатывает одно входящее событие. Ожидаемые ситуации
// (неизвестный email, неверный код и т.п.) отражаются в Outcome;
// ошибка возвращается только при сбое хранилища или доставки.
func (m *Machine) Handle(ctx context.Context, event Event) (Outcome, error) {
	if event.ChatID == 0 {
		return OutcomeIgnored, ErrInvalidEvent
	}
	text := strings.TrimSpace(event.Text)
	if text == "" && event.Contact == nil {
		return OutcomeIgnored, nil
	}
	chatID := event.ChatID

	if m.sweepOnEvent {
		if _, err := m.sweeper.Sweep(ctx); err != nil {
			return m.fail(ctx, chatID, "sweep link requests", err)
		}
	}

	command, args := ParseCommand(text)
	if command == CommandCancel {
		return m.cancel(ctx, chatID)
	}

	request, found, err := m.openRequest(ctx, chatID, StatusConfirmUnlink)
	if err != nil {
		return m.fail(ctx, chatID, "find link request", err)
	}
	if found {
		return m.answerUnlink(ctx, request, text)
	}

	request, found, err = m.openRequest(ctx, chatID, StatusPending)
	if err != nil {
		return m.fail(ctx, chatID, "find link request", err)
	}
	if found {
		return m.verifyOTP(ctx, request, text)
	}

	request, found, err = m.openRequest(ctx, chatID, StatusAwaitContact)
	if err != nil {
		return m.fail(ctx, chatID, "find link request", err)
	}
	if found {
		if event.Contact != nil {
			return m.completeTransfer(ctx, request, *event.Contact)
		}
		// Подтвержденный запрос не заменяется новым /start и живет до контакта, /cancel или истечения TTL.
		return m.reply(ctx, chatID, OutcomeAwaitContact, msgShareContact, ChatOptions{RequestContact: true})
	}

	switch command {
	case CommandStart:
		return m.start(ctx, chatID, args)
	case CommandHelp:
		return m.reply(ctx, chatID, OutcomeHelp, msgHelp, ChatOptions{})
	case CommandStatus:
		return m.status(ctx, chatID)
	}

	if text == "" {
		return m.reply(ctx, chatID, OutcomeNothingToDo, msgNothingConfirm, ChatOptions{RemoveKeyboard: true})
	}
	return m.reply(ctx, chatID, OutcomeEcho, fmt.Sprintf(msgEcho, text), ChatOptions{})
}

// ParseCommand отделяет команду бота от аргументов. Суффикс @botname отбрасывается.
func ParseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	command := fields[0]
	if idx := strings.Index(command, "@"); idx != -1 {
		command = command[:idx]
	}
	return strings.ToLower(command), fields[1:]
}

func (m *Machine) start(ctx context.Context, chatID int64, args []string) (Outcome, error) {
	if len(args) != 1 || !looksLikeEmail(args[0]) {
		return m.reply(ctx, chatID, OutcomeUsage, msgUsage, ChatOptions{})
	}
	email := args[0]

	account, err := m.accounts.FindByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return m.reply(ctx, chatID, OutcomeNotRegistered, msgNotRegistered, ChatOptions{})
	}
	if err != nil {
		return m.fail(ctx, chatID, "find account", err)
	}
	if account.ChatID == chatID {
		return m.reply(ctx, chatID, OutcomeAlreadyLinked, fmt.Sprintf(msgAlreadyLinked, email), ChatOptions{})
	}

	if !account.Linked() {
		err := m.accounts.ClaimChat(ctx, email, chatID)
		switch {
		case err == nil:
			m.logger.Info("chat linked", slog.Int64("chat_id", chatID))
			return m.reply(ctx, chatID, OutcomeLinked, fmt.Sprintf(msgLinked, email), ChatOptions{})
		case errors.Is(err, ErrAccountNotFound):
			return m.reply(ctx, chatID, OutcomeNotRegistered, msgNotRegistered, ChatOptions{})
		case errors.Is(err, ErrLinkConflict):
			// Другой чат успел занять аккаунт между чтением и записью.
			account, err = m.accounts.FindByEmail(ctx, email)
			if err != nil {
				return m.fail(ctx, chatID, "find account", err)
			}
			if account.ChatID == chatID {
				return m.reply(ctx, chatID, OutcomeAlreadyLinked, fmt.Sprintf(msgAlreadyLinked, email), ChatOptions{})
			}
		default:
			return m.fail(ctx, chatID, "claim chat", err)
		}
	}

	previous, found, err := m.activeRequest(ctx, email)
	if err != nil {
		return m.fail(ctx, chatID, "find link request", err)
	}
	if found && previous.NewChatID != chatID {
		m.logger.Info("replacing link request of another chat",
			slog.Int64("chat_id", chatID),
			slog.Int64("previous_chat_id", previous.NewChatID),
			slog.String("status", string(previous.Status)))
	}

	if _, err := m.requests.Upsert(ctx, LinkRequest{
		Email:     email,
		NewChatID: chatID,
		Status:    StatusConfirmUnlink,
		CreatedAt: m.clock(),
	}); err != nil {
		return m.fail(ctx, chatID, "upsert link request", err)
	}
	m.logger.Info("link conflict, asking to unlink", slog.Int64("chat_id", chatID))
	return m.reply(ctx, chatID, OutcomeConfirmUnlink, fmt.Sprintf(msgConfirmUnlink, email), ChatOptions{})
}

func (m *Machine) answerUnlink(ctx context.Context, request LinkRequest, text string) (Outcome, error) {
	switch strings.ToLower(text) {
	case "yes":
		return m.issueOTP(ctx, request)
	case "no":
		if err := m.requests.DeleteByID(ctx, request.ID); err != nil {
			return m.fail(ctx, request.NewChatID, "delete link request", err)
		}
		return m.reply(ctx, request.NewChatID, OutcomeCancelled, msgCancelled, ChatOptions{})
	default:
		return m.reply(ctx, request.NewChatID, OutcomeAwaitingAnswer, msgReplyYesNo, ChatOptions{})
	}
}

func (m *Machine) issueOTP(ctx context.Context, request LinkRequest) (Outcome, error) {
	chatID := request.NewChatID
	if m.sends != nil && !m.sends.Allow(request.Email) {
		m.logger.Warn("otp send rate limited", slog.Int64("chat_id", chatID))
		return m.reply(ctx, chatID, OutcomeRateLimited, msgTooManyCodes, ChatOptions{})
	}
	code, err := m.codec.Generate()
	if err != nil {
		return m.fail(ctx, chatID, "generate otp", err)
	}
	next := LinkRequest{Status: StatusPending, OTP: code, CreatedAt: m.clock()}
	if err := m.requests.Transition(ctx, request.ID, StatusConfirmUnlink, next); err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return m.reply(ctx, chatID, OutcomeStale, msgStale, ChatOptions{})
		}
		return m.fail(ctx, chatID, "store otp", err)
	}

	minutes := int(m.codec.TTL().Round(time.Minute) / time.Minute)
	if err := m.notifier.SendEmail(ctx, request.Email, subjectOTP, fmt.Sprintf(bodyOTP, code, minutes)); err != nil {
		return m.fail(ctx, chatID, "send otp email", err)
	}
	m.logger.Info("otp issued", slog.Int64("chat_id", chatID))
	return m.reply(ctx, chatID, OutcomeOTPSent, fmt.Sprintf(msgOTPSent, m.codec.Length(), request.Email), ChatOptions{})
}

func (m *Machine) verifyOTP(ctx context.Context, request LinkRequest, text string) (Outcome, error) {
	chatID := request.NewChatID
	if !m.codec.WellFormed(text) {
		return m.reply(ctx, chatID, OutcomeAwaitingOTP, fmt.Sprintf(msgOTPHint, m.codec.Length()), ChatOptions{})
	}
	if m.attempts != nil && !m.attempts.Allow(request.ID) {
		m.logger.Warn("otp attempts exhausted", slog.Int64("chat_id", chatID))
		return m.reply(ctx, chatID, OutcomeRateLimited, msgTooManyTries, ChatOptions{})
	}

	if err := m.codec.Verify(text, request); err != nil {
		if errors.Is(err, ErrOTPExpired) {
			m.logger.Info("expired otp submitted", slog.Int64("chat_id", chatID))
			return m.reply(ctx, chatID, OutcomeOTPExpired, msgOTPExpired, ChatOptions{})
		}
		m.logger.Info("invalid otp submitted", slog.Int64("chat_id", chatID))
		return m.reply(ctx, chatID, OutcomeOTPMismatch, msgOTPMismatch, ChatOptions{})
	}

	// Смена статуса и есть погашение кода: повторная отправка
	// уже не найдет запрос в pending.
	next := LinkRequest{Status: StatusAwaitContact, CreatedAt: request.CreatedAt}
	if err := m.requests.Transition(ctx, request.ID, StatusPending, next); err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return m.reply(ctx, chatID, OutcomeStale, msgStale, ChatOptions{})
		}
		return m.fail(ctx, chatID, "consume otp", err)
	}
	return m.reply(ctx, chatID, OutcomeOTPAccepted, msgOTPAccepted, ChatOptions{RequestContact: true})
}

func (m *Machine) completeTransfer(ctx context.Context, request LinkRequest, contact Contact) (Outcome, error) {
	chatID := request.NewChatID
	phoneNumber := strings.TrimSpace(contact.PhoneNumber)
	if phoneNumber == "" {
		return m.reply(ctx, chatID, OutcomeAwaitContact, msgPhoneUnreadable, ChatOptions{RequestContact: true})
	}

	previous, err := m.accounts.FindByEmail(ctx, request.Email)
	if errors.Is(err, ErrAccountNotFound) {
		if err := m.requests.DeleteByID(ctx, request.ID); err != nil {
			return m.fail(ctx, chatID, "delete link request", err)
		}
		return m.reply(ctx, chatID, OutcomeNotRegistered, msgNotRegistered, ChatOptions{RemoveKeyboard: true})
	}
	if err != nil {
		return m.fail(ctx, chatID, "find account", err)
	}

	next := LinkRequest{Status: StatusCompleted, CreatedAt: request.CreatedAt}
	if err := m.requests.Transition(ctx, request.ID, StatusAwaitContact, next); err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return m.reply(ctx, chatID, OutcomeStale, msgStale, ChatOptions{RemoveKeyboard: true})
		}
		return m.fail(ctx, chatID, "complete link request", err)
	}
	if err := m.accounts.SetChatAndPhone(ctx, request.Email, chatID, phoneNumber); err != nil {
		return m.fail(ctx, chatID, "update account", err)
	}
	if err := m.requests.DeleteByID(ctx, request.ID); err != nil {
		return m.fail(ctx, chatID, "delete link request", err)
	}
	m.logger.Info("chat transferred", slog.Int64("chat_id", chatID), slog.Int64("previous_chat_id", previous.ChatID))

	if _, err := m.reply(ctx, chatID, OutcomeTransferred, fmt.Sprintf(msgTransferred, request.Email), ChatOptions{RemoveKeyboard: true}); err != nil {
		return OutcomeFailed, err
	}
	if err := m.notifier.SendEmail(ctx, request.Email, subjectTransferred, fmt.Sprintf(bodyTransferred, request.Email)); err != nil {
		return m.fail(ctx, chatID, "send transfer email", err)
	}
	if previous.Linked() && previous.ChatID != chatID {
		if err := m.notifier.SendChatMessage(ctx, previous.ChatID, fmt.Sprintf(msgPreviousChat, request.Email), ChatOptions{}); err != nil {
			m.logger.Warn("previous chat notice failed", slog.Int64("chat_id", previous.ChatID), slog.String("error", err.Error()))
		}
	}
	return OutcomeTransferred, nil
}

func (m *Machine) cancel(ctx context.Context, chatID int64) (Outcome, error) {
	cancelled := 0
	for _, status := range []Status{StatusConfirmUnlink, StatusPending, StatusAwaitContact} {
		request, found, err := m.openRequest(ctx, chatID, status)
		if err != nil {
			return m.fail(ctx, chatID, "find link request", err)
		}
		if !found {
			continue
		}
		if err := m.requests.DeleteByID(ctx, request.ID); err != nil {
			return m.fail(ctx, chatID, "delete link request", err)
		}
		cancelled++
	}
	if cancelled == 0 {
		return m.reply(ctx, chatID, OutcomeNothingToDo, msgNothingCancel, ChatOptions{RemoveKeyboard: true})
	}
	return m.reply(ctx, chatID, OutcomeCancelled, msgCancelled, ChatOptions{RemoveKeyboard: true})
}

func (m *Machine) status(ctx context.Context, chatID int64) (Outcome, error) {
	account, err := m.accounts.FindByChatID(ctx, chatID)
	if errors.Is(err, ErrAccountNotFound) {
		return m.reply(ctx, chatID, OutcomeStatus, msgStatusUnlinked, ChatOptions{})
	}
	if err != nil {
		return m.fail(ctx, chatID, "find account by chat", err)
	}
	return m.reply(ctx, chatID, OutcomeStatus, fmt.Sprintf(msgStatusLinked, account.Email), ChatOptions{})
}

// openRequest ищет открытый запрос чата в заданном статусе. Запрос старше
// TTL удаляется и считается отсутствующим, даже если Sweeper еще не работал.
func (m *Machine) openRequest(ctx context.Context, chatID int64, status Status) (LinkRequest, bool, error) {
	request, err := m.requests.FindActiveByChat(ctx, chatID, status)
	var violation *InvariantViolationError
	switch {
	case err == nil:
	case errors.As(err, &violation):
		m.logger.Error("link request invariant violated",
			slog.Int64("chat_id", chatID),
			slog.String("status", string(status)),
			slog.Int("count", violation.Count))
		request = violation.Latest
	case errors.Is(err, ErrRequestNotFound):
		return LinkRequest{}, false, nil
	default:
		return LinkRequest{}, false, err
	}
	if m.sweeper.expired(request) {
		if err := m.requests.DeleteByID(ctx, request.ID); err != nil {
			return LinkRequest{}, false, err
		}
		return LinkRequest{}, false, nil
	}
	return request, true, nil
}

// activeRequest ищет открытый запрос для email. При нарушении единственности
// остается самый свежий запрос, Upsert затем заменит все остальные.
func (m *Machine) activeRequest(ctx context.Context, email string) (LinkRequest, bool, error) {
	request, err := m.requests.FindActive(ctx, email)
	var violation *InvariantViolationError
	switch {
	case err == nil:
		return request, true, nil
	case errors.As(err, &violation):
		m.logger.Error("link request invariant violated",
			slog.String("scope", "email"),
			slog.Int("count", violation.Count))
		return violation.Latest, true, nil
	case errors.Is(err, ErrRequestNotFound):
		return LinkRequest{}, false, nil
	default:
		return LinkRequest{}, false, err
	}
}

func (m *Machine) reply(ctx context.Context, chatID int64, outcome Outcome, text string, opts ChatOptions) (Outcome, error) {
	if err := m.notifier.SendChatMessage(ctx, chatID, text, opts); err != nil {
		return m.fail(ctx, chatID, "send chat message", err)
	}
	return outcome, nil
}

// fail прерывает обработку события: пишет ошибку в лог и один раз
// пытается сообщить пользователю о временном сбое.
func (m *Machine) fail(ctx context.Context, chatID int64, op string, err error) (Outcome, error) {
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		transportErr = &TransportError{Op: op, Err: err}
	}
	m.logger.Error("link event failed", slog.Int64("chat_id", chatID), slog.String("op", transportErr.Op), slog.String("error", transportErr.Err.Error()))
	if sendErr := m.notifier.SendChatMessage(ctx, chatID, msgTryLater, ChatOptions{}); sendErr != nil {
		m.logger.Warn("failure notice not delivered", slog.Int64("chat_id", chatID), slog.String("error", sendErr.Error()))
	}
	return OutcomeFailed, transportErr
}

func looksLikeEmail(value string) bool {
	address, err := mail.ParseAddress(value)
	if err != nil {
		return false
	}
	return address.Address == value
}
