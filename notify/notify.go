// Package notify delivers new postings to the administrator through a pluggable provider.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"freelance-notifier/pkg/listing"

	"golang.org/x/time/rate"
)

const (
	// DefaultSendDelay is the minimum spacing between two sends.
	DefaultSendDelay = 2 * time.Second

	// ButtonLabel is the call-to-action shown under every notification.
	ButtonLabel = "Отклик"

	// maxTextUnits is Telegram's message length limit, counted in UTF-16 code units.
	maxTextUnits = 4096
)

// Message is a provider-neutral notification.
type Message struct {
	Subject     string
	Text        string
	ButtonLabel string
	ButtonURL   string
}

// Provider is a concrete messaging transport.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// NotifyError reports a failed delivery attempt.
type NotifyError struct {
	Err      error
	Provider string
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify via %s: %v", e.Provider, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// IsNotifyError checks if an error is a NotifyError.
func IsNotifyError(err error) bool {
	var ne *NotifyError
	return errors.As(err, &ne)
}

// Sender formats records and paces their delivery.
// It is shared by all marketplaces; sends are serialised and spaced by the configured delay.
type Sender struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
	mu       sync.Mutex
}

// New creates a Sender. A non-positive delay falls back to DefaultSendDelay.
func New(provider Provider, delay time.Duration, logger *slog.Logger) *Sender {
	if delay <= 0 {
		delay = DefaultSendDelay
	}
	return &Sender{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Every(delay), 1),
		logger:   logger,
	}
}

// Notify sends one message for rec. It blocks until the pacing window allows a send.
func (s *Sender) Notify(ctx context.Context, rec *listing.Record) error {
	msg := Format(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return &NotifyError{Provider: s.provider.Name(), Err: fmt.Errorf("wait for send slot: %w", err)}
	}

	start := time.Now()
	if err := s.provider.Send(ctx, msg); err != nil {
		return &NotifyError{Provider: s.provider.Name(), Err: err}
	}

	s.logger.Info("Notification sent",
		"provider", s.provider.Name(),
		"marketplace", rec.Marketplace,
		"id", rec.ID,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Format renders rec as a plain-text message with a single link button.
func Format(rec *listing.Record) Message {
	var b strings.Builder
	b.WriteString(rec.Marketplace.Title())
	b.WriteString("\nЦена: ")
	b.WriteString(rec.Price.String())
	b.WriteString("\nНазвание: ")
	b.WriteString(rec.Title)
	if rec.Description != "" {
		b.WriteString("\nОписание: ")
		b.WriteString(rec.Description)
	}

	return Message{
		Subject:     rec.Marketplace.Title() + ": " + rec.Title,
		Text:        truncate(b.String(), maxTextUnits),
		ButtonLabel: ButtonLabel,
		ButtonURL:   rec.Link,
	}
}

// truncate shortens s to at most limit UTF-16 code units, ending with an ellipsis when cut.
func truncate(s string, limit int) string {
	if utf16Len(s) <= limit {
		return s
	}
	var (
		b     strings.Builder
		units int
	)
	// The ellipsis takes one unit.
	for _, r := range s {
		n := utf16.RuneLen(r)
		if units+n > limit-1 {
			break
		}
		b.WriteRune(r)
		units += n
	}
	b.WriteString("…")
	return b.String()
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
