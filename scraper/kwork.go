package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"freelance-notifier/pkg/listing"

	"github.com/PuerkitoBio/goquery"
)

const (
	// DefaultKworkBaseURL is the public Kwork site.
	DefaultKworkBaseURL = "https://kwork.ru"
	// DefaultKworkCategory is "Разработка и IT".
	DefaultKworkCategory = 41

	stateScriptPrefix = "window.ORIGIN_URL"
	stateDataPrefix   = "window.stateData"
)

// KworkConfig configures the Kwork scraper.
type KworkConfig struct {
	BaseURL  string
	Category int
	Timeout  time.Duration
}

// Kwork fetches project listings from kwork.ru.
type Kwork struct {
	fetcher
	baseURL  string
	category int
}

// NewKwork creates a new Kwork scraper.
func NewKwork(client *http.Client, cfg KworkConfig, logger *slog.Logger) *Kwork {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultKworkBaseURL
	}
	if cfg.Category == 0 {
		cfg.Category = DefaultKworkCategory
	}
	return &Kwork{
		fetcher:  newFetcher(client, listing.Kwork, cfg.Timeout, logger),
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		category: cfg.Category,
	}
}

// Marketplace returns listing.Kwork.
func (k *Kwork) Marketplace() listing.Marketplace {
	return listing.Kwork
}

// Fetch returns the projects listed on the given 1-based page.
func (k *Kwork) Fetch(ctx context.Context, page int) ([]listing.Record, error) {
	pageURL := k.pageURL(page)

	doc, err := k.document(ctx, pageURL)
	if err != nil {
		return nil, k.fail(pageURL, page, err)
	}

	records, err := k.parseListing(doc)
	if err != nil {
		return nil, k.fail(pageURL, page, err)
	}

	k.logger.Debug("Kwork page parsed", "page", page, "records", len(records))
	return records, nil
}

// Enrich fills missing fields of rec from the project's detail page.
func (k *Kwork) Enrich(ctx context.Context, rec *listing.Record) error {
	doc, err := k.document(ctx, rec.Link)
	if err != nil {
		return k.fail(rec.Link, 0, err)
	}

	scripts := doc.Find(`script[type="application/ld+json"]`)
	if scripts.Length() == 0 {
		return k.fail(rec.Link, 0, errors.New("no ld+json data found"))
	}
	raw := strings.TrimSpace(scripts.Last().Text())
	if raw == "" {
		return k.fail(rec.Link, 0, errors.New("empty ld+json data"))
	}

	var data struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Offers      struct {
			Price json.Number `json:"price"`
		} `json:"offers"`
	}
	if err := json.Unmarshal([]byte(escapeRawControls(raw)), &data); err != nil {
		return k.fail(rec.Link, 0, fmt.Errorf("decode ld+json: %w", err))
	}

	if rec.Title == "" {
		rec.Title = strings.TrimSpace(data.Name)
	}
	if rec.Description == "" {
		rec.Description = strings.TrimSpace(data.Description)
	}
	if rec.Price.Amount == 0 {
		if amount, err := parseAmount(data.Offers.Price); err == nil {
			rec.Price = listing.NumericPrice(amount)
		}
	}
	return nil
}

func (k *Kwork) pageURL(page int) string {
	q := url.Values{}
	q.Set("c", strconv.Itoa(k.category))
	q.Set("page", strconv.Itoa(page))
	return k.baseURL + "/projects?" + q.Encode()
}

func (k *Kwork) projectURL(id int64) string {
	return fmt.Sprintf("%s/projects/%d/view", k.baseURL, id)
}

type kworkState struct {
	WantsListData *struct {
		Wants []kworkWant `json:"wants"`
	} `json:"wantsListData"`
}

type kworkWant struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	PriceLimit  json.Number `json:"priceLimit"`
	ID          int64       `json:"id"`
}

func (k *Kwork) parseListing(doc *goquery.Document) ([]listing.Record, error) {
	if doc.Find("head").Length() == 0 {
		return nil, errors.New("no head tag found")
	}

	var script string
	doc.Find("head script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if strings.HasPrefix(text, stateScriptPrefix) {
			script = text
			return false
		}
		return true
	})
	if script == "" {
		return nil, errors.New("state script not found")
	}

	payload, ok := stateData(script)
	if !ok {
		return nil, errors.New("window.stateData not found")
	}

	var state kworkState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode state data: %w", err)
	}
	if state.WantsListData == nil {
		return nil, errors.New("wantsListData missing from state data")
	}

	now := time.Now().UTC()
	records := make([]listing.Record, 0, len(state.WantsListData.Wants))
	for _, w := range state.WantsListData.Wants {
		if w.ID == 0 {
			k.logger.Warn("Skipping Kwork project without id", "title", w.Name)
			continue
		}
		amount, err := parseAmount(w.PriceLimit)
		if err != nil {
			k.logger.Warn("Unparseable Kwork price", "id", w.ID, "price", string(w.PriceLimit), "error", err)
		}
		records = append(records, listing.Record{
			Marketplace: listing.Kwork,
			ID:          strconv.FormatInt(w.ID, 10),
			Title:       strings.TrimSpace(w.Name),
			Description: strings.TrimSpace(w.Description),
			Price:       listing.NumericPrice(amount),
			Link:        k.projectURL(w.ID),
			CreatedAt:   now,
		})
	}
	return records, nil
}

// stateData extracts the JSON assigned to window.stateData in script.
func stateData(script string) (string, bool) {
	for _, stmt := range splitStatements(script) {
		stmt = strings.TrimSpace(stmt)
		if !strings.HasPrefix(stmt, stateDataPrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(stmt, stateDataPrefix))
		if !strings.HasPrefix(rest, "=") {
			continue
		}
		return strings.TrimSpace(rest[1:]), true
	}
	return "", false
}

// splitStatements splits JavaScript source on semicolons that are outside string literals.
func splitStatements(src string) []string {
	var (
		stmts   []string
		start   int
		quote   byte
		escaped bool
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case ';':
			stmts = append(stmts, src[start:i])
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(src[start:]); rest != "" {
		stmts = append(stmts, src[start:])
	}
	return stmts
}

// escapeRawControls escapes raw newlines and tabs that appear inside JSON string literals.
func escapeRawControls(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	inString, escaped := false, false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '\n':
				b.WriteString(`\n`)
				continue
			case c == '\r':
				b.WriteString(`\r`)
				continue
			case c == '\t':
				b.WriteString(`\t`)
				continue
			}
		} else if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// parseAmount truncates a JSON number (or numeric string) to an integer amount.
func parseAmount(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", n, err)
	}
	return int64(f), nil
}
