package mailer

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/wneessen/go-mail"
)

func TestTLSPolicy(t *testing.T) {
	cases := map[string]mail.TLSPolicy{
		"":              mail.TLSOpportunistic,
		"opportunistic": mail.TLSOpportunistic,
		"Mandatory":     mail.TLSMandatory,
		"none":          mail.NoTLS,
	}
	for input, want := range cases {
		got, err := tlsPolicy(input)
		if err != nil {
			t.Fatalf("tlsPolicy(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("tlsPolicy(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := tlsPolicy("starttls-please"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestNewSMTPSenderValidates(t *testing.T) {
	if _, err := NewSMTPSender(Config{Host: "smtp.example.com"}, nil); err == nil {
		t.Fatalf("expected missing sender error")
	}
	if _, err := NewSMTPSender(Config{Host: "smtp.example.com", From: "bot@example.com", TLS: "bogus"}, nil); err == nil {
		t.Fatalf("expected tls mode error")
	}
	sender, err := NewSMTPSender(Config{
		Host:     "smtp.example.com",
		Port:     2525,
		Username: "bot",
		Password: "secret",
		From:     "bot@example.com",
		TLS:      "mandatory",
		Timeout:  time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.from != "bot@example.com" {
		t.Fatalf("unexpected from %q", sender.from)
	}
}

func TestSMTPSenderRejectsBadRecipient(t *testing.T) {
	sender, err := NewSMTPSender(Config{Host: "smtp.example.com", From: "bot@example.com"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sender.Send(context.Background(), "not an address", "s", "b"); err == nil {
		t.Fatalf("expected recipient error")
	}
}

func TestLogSenderKeepsBodyOutOfInfoLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sender := NewLogSender(logger)

	if err := sender.Send(context.Background(), "a@example.com", "Your verification code", "code 123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Your verification code") {
		t.Fatalf("expected subject in log, got %s", out)
	}
	if strings.Contains(out, "123456") || strings.Contains(out, "a@example.com") {
		t.Fatalf("email content leaked at info level: %s", out)
	}
}
