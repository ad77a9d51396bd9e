package linking

import "time"

// Status описывает этап запроса на перепривязку.
type Status string

const (
	StatusConfirmUnlink Status = "confirm_unlink"
	StatusPending       Status = "pending"
	StatusAwaitContact  Status = "await_contact"
	StatusCompleted     Status = "completed"
)

// Valid сообщает, известен ли статус.
func (s Status) Valid() bool {
	switch s {
	case StatusConfirmUnlink, StatusPending, StatusAwaitContact, StatusCompleted:
		return true
	default:
		return false
	}
}

// Active сообщает, участвует ли запрос в диалоге.
func (s Status) Active() bool {
	return s.Valid() && s != StatusCompleted
}

// Account описывает зарегистрированный аккаунт с ключом email.
// ChatID == 0 означает, что чат не привязан.
type Account struct {
	Email       string
	ChatID      int64
	PhoneNumber string
}

// Linked сообщает, привязан ли к аккаунту чат.
func (a Account) Linked() bool {
	return a.ChatID != 0
}

// LinkRequest хранит незавершенную перепривязку email к новому чату.
type LinkRequest struct {
	ID        string
	Email     string
	NewChatID int64
	OTP       string
	Status    Status
	CreatedAt time.Time
}

// Contact содержит номер телефона, которым поделился пользователь.
type Contact struct {
	PhoneNumber string
}

// Event описывает входящее сообщение чата, уже разобранное транспортом.
type Event struct {
	ChatID  int64
	Text    string
	Contact *Contact
}

// ChatOptions управляет клавиатурой исходящего сообщения.
type ChatOptions struct {
	RequestContact bool
	RemoveKeyboard bool
}

// Outcome описывает итог обработки одного события.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeEcho           Outcome = "echo"
	OutcomeUsage          Outcome = "usage"
	OutcomeHelp           Outcome = "help"
	OutcomeStatus         Outcome = "status"
	OutcomeNotRegistered  Outcome = "not_registered"
	OutcomeLinked         Outcome = "linked"
	OutcomeAlreadyLinked  Outcome = "already_linked"
	OutcomeConfirmUnlink  Outcome = "confirm_unlink"
	OutcomeAwaitingAnswer Outcome = "awaiting_answer"
	OutcomeOTPSent        Outcome = "otp_sent"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeNothingToDo    Outcome = "nothing_to_do"
	OutcomeAwaitingOTP    Outcome = "awaiting_otp"
	OutcomeOTPMismatch    Outcome = "otp_mismatch"
	OutcomeOTPExpired     Outcome = "otp_expired"
	OutcomeOTPAccepted    Outcome = "otp_accepted"
	OutcomeAwaitContact   Outcome = "awaiting_contact"
	OutcomeTransferred    Outcome = "transferred"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeStale          Outcome = "stale"
	OutcomeFailed         Outcome = "failed"
)
