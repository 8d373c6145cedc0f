package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs messages instead of sending them. It also keeps them for inspection.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Name returns "mock".
func (*MockProvider) Name() string {
	return "mock"
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	m.logger.Info("MOCK NOTIFICATION",
		"subject", msg.Subject,
		"link", msg.ButtonURL,
		"text_length", len(msg.Text))
	return nil
}

// Sent returns a copy of every message sent so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
