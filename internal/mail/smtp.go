// smtp.go
//
// Mailer interface and SMTPMailer implementation.
// Add other implementations (ses.go, etc.) as separate files in this package.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// ErrNotConfigured is returned by Send on a transport with no SMTP settings.
var ErrNotConfigured = errors.New("mail transport not configured")

// Message is one outbound email. HTML is optional; Text is always sent.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// Receipt identifies an accepted message.
type Receipt struct {
	ID      string
	Message string
}

// Mailer sends transactional emails.
type Mailer interface {
	// Send delivers (or hands off) msg. A returned Receipt means the transport accepted it.
	Send(ctx context.Context, msg Message) (*Receipt, error)

	// IsConfigured reports whether Send can deliver at all.
	// Callers treat false as a configuration problem, not a delivery failure.
	IsConfigured() bool
}

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
}

// SMTPMailer sends transactional email via SMTP.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// IsConfigured reports whether host and sender are set.
func (m *SMTPMailer) IsConfigured() bool {
	return m.cfg.Host != "" && m.cfg.FromAddress != ""
}

// Send builds a MIME message and delivers it over STARTTLS.
// The returned receipt ID is the Message-ID header.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if !m.IsConfigured() {
		return nil, ErrNotConfigured
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	messageID := id.String() + "@" + domainOf(m.cfg.FromAddress)

	if err := m.sendMail(ctx, msg.To, buildMIME(m.cfg.FromAddress, messageID, msg)); err != nil {
		return nil, fmt.Errorf("sending %q email: %w", msg.Subject, err)
	}
	return &Receipt{ID: messageID, Message: "sent"}, nil
}

// NopMailer discards all outbound email. Used when SMTP is not configured.
type NopMailer struct{}

// Send always fails with ErrNotConfigured.
func (n *NopMailer) Send(_ context.Context, _ Message) (*Receipt, error) {
	return nil, ErrNotConfigured
}

// IsConfigured is always false.
func (n *NopMailer) IsConfigured() bool { return false }

// sanitizeHeader strips CR/LF so user-controlled values cannot inject headers.
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}

// buildMIME renders msg as text/plain, or multipart/alternative when HTML is present.
func buildMIME(from, messageID string, msg Message) string {
	var b strings.Builder
	b.WriteString("From: " + sanitizeHeader(from) + "\r\n")
	b.WriteString("To: " + sanitizeHeader(msg.To) + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(msg.Subject) + "\r\n")
	b.WriteString("Message-ID: <" + messageID + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")

	if msg.HTML == "" {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.Text)
		return b.String()
	}

	boundary := "warden-" + strings.SplitN(messageID, "@", 2)[0]
	b.WriteString("Content-Type: multipart/alternative; boundary=\"" + boundary + "\"\r\n\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Text + "\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.HTML + "\r\n")
	b.WriteString("--" + boundary + "--\r\n")
	return b.String()
}

// sendMail dials the SMTP server, enforces STARTTLS (rejects plaintext sessions),
// authenticates, and delivers msg. The connection respects ctx cancellation.
func (m *SMTPMailer) sendMail(ctx context.Context, toEmail, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", m.cfg.Host+":"+m.cfg.Port)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	// Bound the whole SMTP exchange by the caller's deadline.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	// Enforce STARTTLS -- reject the session if server does not advertise it.
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}
