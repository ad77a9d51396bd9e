package telegram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"linkbot/internal/linking"
)

type fakeSender struct {
	mu         sync.Mutex
	lastChatID int64
	lastText   string
	sent       int
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastChatID = chatID
	f.lastText = text
	f.sent++
	return nil
}

type fakeHandler struct {
	events  []linking.Event
	outcome linking.Outcome
	err     error
}

func (f *fakeHandler) Handle(ctx context.Context, event linking.Event) (linking.Outcome, error) {
	f.events = append(f.events, event)
	return f.outcome, f.err
}

type fakeRecorder struct {
	updates  int
	failures int
	outcomes []string
}

func (f *fakeRecorder) IncUpdates() { f.updates++ }

func (f *fakeRecorder) IncTransportFailures() { f.failures++ }

func (f *fakeRecorder) RecordOutcome(outcome string) {
	f.outcomes = append(f.outcomes, outcome)
}

type denyLimiter struct{ keys []string }

func (d *denyLimiter) Allow(key string) bool {
	d.keys = append(d.keys, key)
	return false
}

func privateMessage(chatID int64, text string) Update {
	return Update{UpdateID: 1, Message: &Message{Chat: Chat{ID: chatID, Type: "private"}, From: User{ID: chatID}, Text: text}}
}

func TestBotForwardsPrivateMessage(t *testing.T) {
	handler := &fakeHandler{outcome: linking.OutcomeEcho}
	recorder := &fakeRecorder{}
	bot := NewBot(&fakeSender{}, handler, nil, recorder, slog.Default())

	if err := bot.HandleUpdate(context.Background(), privateMessage(42, "/start a@example.com")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handler.events) != 1 {
		t.Fatalf("expected one event, got %d", len(handler.events))
	}
	if event := handler.events[0]; event.ChatID != 42 || event.Text != "/start a@example.com" || event.Contact != nil {
		t.Fatalf("unexpected event %+v", event)
	}
	if recorder.updates != 1 || len(recorder.outcomes) != 1 || recorder.outcomes[0] != "echo" {
		t.Fatalf("unexpected metrics %+v", recorder)
	}
}

func TestBotTreatsEditedMessageLikeMessage(t *testing.T) {
	handler := &fakeHandler{outcome: linking.OutcomeEcho}
	bot := NewBot(&fakeSender{}, handler, nil, nil, nil)

	update := Update{UpdateID: 2, EditedMessage: &Message{Chat: Chat{ID: 5, Type: "private"}, Text: "yes"}}
	if err := bot.HandleUpdate(context.Background(), update); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handler.events) != 1 || handler.events[0].Text != "yes" {
		t.Fatalf("expected edited message to be handled, got %+v", handler.events)
	}
}

func TestBotIgnoresGroupChats(t *testing.T) {
	handler := &fakeHandler{}
	bot := NewBot(&fakeSender{}, handler, nil, nil, slog.Default())

	updates := []Update{
		{UpdateID: 1},
		{UpdateID: 2, Message: &Message{Chat: Chat{ID: -100, Type: "group"}, Text: "/start a@example.com"}},
		{UpdateID: 3, Message: &Message{Chat: Chat{ID: 7, Type: "supergroup"}, Text: "/start a@example.com"}},
	}
	for _, update := range updates {
		if err := bot.HandleUpdate(context.Background(), update); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(handler.events) != 0 {
		t.Fatalf("expected no events, got %d", len(handler.events))
	}
}

func TestBotNormalizesOwnContact(t *testing.T) {
	handler := &fakeHandler{outcome: linking.OutcomeTransferred}
	bot := NewBot(&fakeSender{}, handler, nil, nil, slog.Default())

	update := Update{Message: &Message{
		Chat:    Chat{ID: 9, Type: "private"},
		From:    User{ID: 9},
		Contact: &Contact{PhoneNumber: "1 (555) 000-1111", UserID: 9},
	}}
	if err := bot.HandleUpdate(context.Background(), update); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handler.events) != 1 || handler.events[0].Contact == nil {
		t.Fatalf("expected contact event, got %+v", handler.events)
	}
	if got := handler.events[0].Contact.PhoneNumber; got != "+15550001111" {
		t.Fatalf("expected normalized phone, got %q", got)
	}
}

func TestBotRejectsForeignContact(t *testing.T) {
	cases := []struct {
		name    string
		contact *Contact
	}{
		{name: "other user", contact: &Contact{PhoneNumber: "+15550001111", UserID: 10}},
		{name: "phonebook entry", contact: &Contact{PhoneNumber: "+15550001111"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{}
			handler := &fakeHandler{}
			recorder := &fakeRecorder{}
			bot := NewBot(sender, handler, nil, recorder, slog.Default())

			update := Update{Message: &Message{
				Chat:    Chat{ID: 9, Type: "private"},
				From:    User{ID: 9},
				Contact: tc.contact,
			}}
			if err := bot.HandleUpdate(context.Background(), update); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(handler.events) != 0 {
				t.Fatalf("expected contact to be rejected, got %+v", handler.events)
			}
			if sender.lastChatID != 9 || sender.lastText != msgOwnContact {
				t.Fatalf("unexpected reply %d %q", sender.lastChatID, sender.lastText)
			}
			if len(recorder.outcomes) != 1 || recorder.outcomes[0] != string(linking.OutcomeIgnored) {
				t.Fatalf("expected ignored outcome, got %v", recorder.outcomes)
			}
		})
	}
}

func TestBotRateLimitsPerChat(t *testing.T) {
	handler := &fakeHandler{}
	limiter := &denyLimiter{}
	recorder := &fakeRecorder{}
	bot := NewBot(&fakeSender{}, handler, limiter, recorder, slog.Default())

	if err := bot.HandleUpdate(context.Background(), privateMessage(77, "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handler.events) != 0 {
		t.Fatalf("expected limited update to be dropped")
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "77" {
		t.Fatalf("unexpected limiter keys %v", limiter.keys)
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0] != "rate_limited" {
		t.Fatalf("unexpected outcomes %v", recorder.outcomes)
	}
}

func TestBotAcknowledgesTransportFailure(t *testing.T) {
	handler := &fakeHandler{
		outcome: linking.OutcomeFailed,
		err:     &linking.TransportError{Op: "send email", Err: errors.New("smtp down")},
	}
	recorder := &fakeRecorder{}
	bot := NewBot(&fakeSender{}, handler, nil, recorder, slog.Default())

	if err := bot.HandleUpdate(context.Background(), privateMessage(3, "yes")); err != nil {
		t.Fatalf("expected transport failure to be acknowledged, got %v", err)
	}
	if recorder.failures != 1 {
		t.Fatalf("expected transport failure to be counted")
	}
}

func TestBotReturnsUnexpectedErrors(t *testing.T) {
	handler := &fakeHandler{err: linking.ErrInvalidEvent}
	bot := NewBot(&fakeSender{}, handler, nil, nil, slog.Default())

	if err := bot.HandleUpdate(context.Background(), privateMessage(3, "hi")); !errors.Is(err, linking.ErrInvalidEvent) {
		t.Fatalf("expected invalid event error, got %v", err)
	}
}
