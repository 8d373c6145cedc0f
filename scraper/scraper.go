// Package scraper fetches and parses freelance marketplace listing pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"freelance-notifier/pkg/listing"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

// DefaultTimeout bounds a single page fetch when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// FetchError reports a failure to read or parse a marketplace page.
type FetchError struct {
	Err         error
	Marketplace listing.Marketplace
	URL         string
	Page        int // 0 for detail pages
}

func (e *FetchError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("fetch %s page %d: %v", e.Marketplace, e.Page, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Marketplace, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError checks if an error is a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// fetcher holds the HTTP plumbing shared by the marketplace scrapers.
type fetcher struct {
	client      *http.Client
	logger      *slog.Logger
	marketplace listing.Marketplace
	timeout     time.Duration
}

func newFetcher(client *http.Client, marketplace listing.Marketplace, timeout time.Duration, logger *slog.Logger) fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return fetcher{
		client:      client,
		logger:      logger,
		marketplace: marketplace,
		timeout:     timeout,
	}
}

func (f *fetcher) fail(pageURL string, page int, err error) error {
	return &FetchError{
		Err:         err,
		Marketplace: f.marketplace,
		URL:         pageURL,
		Page:        page,
	}
}

// document fetches pageURL and parses it as HTML. Errors are not wrapped in FetchError.
func (f *fetcher) document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Set essential Chrome-like headers to avoid getting blocked
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	f.logger.Debug("HTTP request starting", "method", "GET", "url", pageURL, "marketplace", f.marketplace)

	startTime := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// cleanText applies NFKC (folding non-breaking spaces) and collapses runs of whitespace.
func cleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}
