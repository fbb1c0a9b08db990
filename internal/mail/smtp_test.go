// smtp_test.go
//
// Unit tests for pure mail helpers + integration tests for SMTPMailer.
// Integration tests require real SMTP credentials and skip gracefully if unset.
package mail

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// --- Unit tests (no SMTP required) ---

func TestApplyVars(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{
			name: "substitutes known keys",
			tmpl: "Your code is %%code%%, valid %%expiresIn%%",
			vars: map[string]string{"code": "123456", "expiresIn": "10 minutes"},
			want: "Your code is 123456, valid 10 minutes",
		},
		{
			name: "strips unresolved placeholders",
			tmpl: "Hello %%firstName%%, click %%url%%",
			vars: map[string]string{"url": "https://example.com"},
			want: "Hello , click https://example.com",
		},
		{
			name: "nil vars strips all placeholders",
			tmpl: "%%greeting%%",
			vars: nil,
			want: "",
		},
		{
			name: "no placeholders passes through unchanged",
			tmpl: "Hello there.",
			vars: map[string]string{"code": "1"},
			want: "Hello there.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyVars(tt.tmpl, tt.vars)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{10 * time.Minute, "10 minutes"},
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{24 * time.Hour, "1 day"},
		{48 * time.Hour, "2 days"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatDuration(tt.d)
			if got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestMessageBuilders(t *testing.T) {
	t.Run("OTP message carries the code in text and html", func(t *testing.T) {
		msg := OTPMessage("user@example.com", "042917", 10*time.Minute)
		if msg.To != "user@example.com" {
			t.Errorf("To: got %q", msg.To)
		}
		if !strings.Contains(msg.Text, "042917") || !strings.Contains(msg.HTML, "042917") {
			t.Error("expected code in both bodies")
		}
		if !strings.Contains(msg.Text, "10 minutes") {
			t.Errorf("expected expiry in text, got %q", msg.Text)
		}
	})

	t.Run("reset message escapes the token into the link", func(t *testing.T) {
		msg := PasswordResetMessage("user@example.com", "https://app.example.com/reset", "a+b/c", time.Hour)
		if !strings.Contains(msg.Text, "https://app.example.com/reset?token=a%2Bb%2Fc") {
			t.Errorf("expected escaped link, got %q", msg.Text)
		}
		if strings.Contains(msg.Text, "%%") {
			t.Errorf("unresolved placeholder left in %q", msg.Text)
		}
	})
}

func TestBuildMIME(t *testing.T) {
	t.Run("plain text only", func(t *testing.T) {
		out := buildMIME("noreply@example.com", "id@example.com", Message{To: "a@b.c", Subject: "Hi", Text: "body"})
		if !strings.Contains(out, "Content-Type: text/plain; charset=UTF-8\r\n\r\nbody") {
			t.Errorf("unexpected MIME: %q", out)
		}
		if !strings.Contains(out, "Message-ID: <id@example.com>") {
			t.Error("missing Message-ID header")
		}
	})

	t.Run("html produces multipart alternative", func(t *testing.T) {
		out := buildMIME("noreply@example.com", "id@example.com", Message{To: "a@b.c", Subject: "Hi", Text: "t", HTML: "<p>h</p>"})
		if !strings.Contains(out, "multipart/alternative") || !strings.Contains(out, "<p>h</p>") {
			t.Errorf("unexpected MIME: %q", out)
		}
	})

	t.Run("header injection is stripped", func(t *testing.T) {
		out := buildMIME("noreply@example.com", "id@example.com", Message{To: "a@b.c\r\nBcc: evil@x.y", Subject: "Hi\nX-Evil: 1", Text: "t"})
		if strings.Contains(out, "\r\nBcc:") || strings.Contains(out, "\nX-Evil:") {
			t.Errorf("header injection survived: %q", out)
		}
	})
}

func TestUnconfiguredTransports(t *testing.T) {
	t.Run("NopMailer reports unconfigured and refuses to send", func(t *testing.T) {
		var m Mailer = &NopMailer{}
		if m.IsConfigured() {
			t.Error("NopMailer should not be configured")
		}
		if _, err := m.Send(context.Background(), Message{To: "a@b.c"}); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("expected ErrNotConfigured, got %v", err)
		}
	})

	t.Run("SMTPMailer without host is unconfigured", func(t *testing.T) {
		m := NewSMTPMailer(SMTPConfig{FromAddress: "noreply@example.com"})
		if m.IsConfigured() {
			t.Error("expected unconfigured without host")
		}
		if _, err := m.Send(context.Background(), Message{To: "a@b.c"}); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("expected ErrNotConfigured, got %v", err)
		}
	})
}

// --- Integration tests (require SMTP credentials) ---

// smtpTestMailer returns a configured SMTPMailer and recipient, or skips if env vars are missing.
func smtpTestMailer(t *testing.T) (*SMTPMailer, string) {
	t.Helper()
	host := os.Getenv("SMTP_HOST")
	port := os.Getenv("SMTP_PORT")
	username := os.Getenv("SMTP_USERNAME")
	password := os.Getenv("SMTP_PASSWORD")
	from := os.Getenv("SMTP_FROM")
	to := os.Getenv("TEST_SMTP_TO")

	if host == "" || port == "" || from == "" || to == "" {
		t.Skip("smtp integration test: set SMTP_* env vars and TEST_SMTP_TO to run")
	}

	return NewSMTPMailer(SMTPConfig{
		Host:        host,
		Port:        port,
		Username:    username,
		Password:    password,
		FromAddress: from,
	}), to
}

func TestSMTPMailer_SendOTP(t *testing.T) {
	mailer, to := smtpTestMailer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	receipt, err := mailer.Send(ctx, OTPMessage(to, "123456", 10*time.Minute))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.ID == "" {
		t.Error("expected a message id")
	}
}
