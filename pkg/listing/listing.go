// Package listing contains the core domain types for the freelance notification service.
package listing

import (
	"fmt"
	"strconv"
	"time"
)

// Marketplace identifies a freelance marketplace.
type Marketplace string

// Supported marketplaces.
const (
	Kwork Marketplace = "kwork"
	Habr  Marketplace = "habr"
)

// Marketplaces lists every supported marketplace in a stable order.
var Marketplaces = []Marketplace{Kwork, Habr}

// ParseMarketplace validates a marketplace name.
func ParseMarketplace(s string) (Marketplace, error) {
	switch m := Marketplace(s); m {
	case Kwork, Habr:
		return m, nil
	default:
		return "", fmt.Errorf("unknown marketplace %q", s)
	}
}

// Title returns the human-readable marketplace name used in notifications.
func (m Marketplace) Title() string {
	switch m {
	case Kwork:
		return "Кворк-фриланс"
	case Habr:
		return "Хабр-фриланс"
	default:
		return string(m)
	}
}

// Price holds either an integer amount (Kwork) or the raw price text (Habr).
// Exactly one of the fields is normally set; Text wins when rendering.
type Price struct {
	Amount int64  `json:"amount,omitempty"`
	Text   string `json:"text,omitempty"`
}

// NumericPrice builds a Price from an integer amount.
func NumericPrice(amount int64) Price {
	return Price{Amount: amount}
}

// TextPrice builds a Price from free text.
func TextPrice(text string) Price {
	return Price{Text: text}
}

func (p Price) String() string {
	if p.Text != "" {
		return p.Text
	}
	return strconv.FormatInt(p.Amount, 10)
}

// Record is a normalized job posting.
type Record struct {
	CreatedAt   time.Time   `json:"created_at"`
	SentAt      *time.Time  `json:"sent_at,omitempty"`
	Marketplace Marketplace `json:"marketplace"`
	ID          string      `json:"id"` // Kwork project id or canonical Habr task URL
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Link        string      `json:"link"`
	Price       Price       `json:"price"`
	Sent        bool        `json:"sent"`
}
