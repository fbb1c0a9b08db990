// mailer.go
//
// Capturing mail.Mailer for tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/agencydash/warden/internal/mail"
)

// MockMailer records every message instead of sending it.
// Unconfigured makes IsConfigured report false; SendErr fails every Send.
type MockMailer struct {
	Unconfigured bool
	SendErr      error

	Sent []mail.Message

	mu sync.Mutex
}

func (m *MockMailer) IsConfigured() bool { return !m.Unconfigured }

func (m *MockMailer) Send(_ context.Context, msg mail.Message) (*mail.Receipt, error) {
	if m.Unconfigured {
		return nil, mail.ErrNotConfigured
	}
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, msg)
	return &mail.Receipt{ID: fmt.Sprintf("mock-%d", len(m.Sent)), Message: "sent"}, nil
}

// Last returns the most recent message, or nil.
func (m *MockMailer) Last() *mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return nil
	}
	msg := m.Sent[len(m.Sent)-1]
	return &msg
}

// Messages returns a copy of everything sent so far.
func (m *MockMailer) Messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.Sent...)
}
