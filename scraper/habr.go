package scraper

import (
	"context"
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

// DefaultHabrBaseURL is the public Habr Freelance site.
const DefaultHabrBaseURL = "https://freelance.habr.com"

// DefaultHabrCategories are the task categories polled when none are configured.
var DefaultHabrCategories = []string{
	"development_backend",
	"development_bots",
	"development_other",
	"admin",
	"development_frontend",
	"development_scripts",
	"testing_sites",
	"content_specification",
	"marketing_sales",
	"marketing_research",
	"other_audit_analytics",
}

// HabrConfig configures the Habr Freelance scraper.
type HabrConfig struct {
	BaseURL    string
	Categories []string
	Timeout    time.Duration
}

// Habr fetches task listings from freelance.habr.com.
type Habr struct {
	fetcher
	base       *url.URL
	categories []string
}

// NewHabr creates a new Habr Freelance scraper.
func NewHabr(client *http.Client, cfg HabrConfig, logger *slog.Logger) (*Habr, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHabrBaseURL
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultHabrCategories
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Habr{
		fetcher:    newFetcher(client, listing.Habr, cfg.Timeout, logger),
		base:       base,
		categories: cfg.Categories,
	}, nil
}

// Marketplace returns listing.Habr.
func (h *Habr) Marketplace() listing.Marketplace {
	return listing.Habr
}

// Fetch returns the tasks listed on the given 1-based page.
func (h *Habr) Fetch(ctx context.Context, page int) ([]listing.Record, error) {
	pageURL := h.pageURL(page)

	doc, err := h.document(ctx, pageURL)
	if err != nil {
		return nil, h.fail(pageURL, page, err)
	}

	records, articles := h.parseListing(doc)
	if articles > 0 && len(records) == 0 {
		return nil, h.fail(pageURL, page, fmt.Errorf("no parseable task articles among %d", articles))
	}
	h.logger.Debug("Habr page parsed", "page", page, "articles", articles, "records", len(records))
	return records, nil
}

// Enrich loads the task description from its detail page.
func (h *Habr) Enrich(ctx context.Context, rec *listing.Record) error {
	if rec.Description != "" {
		return nil
	}
	doc, err := h.document(ctx, rec.Link)
	if err != nil {
		return h.fail(rec.Link, 0, err)
	}
	desc := doc.Find("div.task__description").First()
	if desc.Length() == 0 {
		return h.fail(rec.Link, 0, errors.New("task description not found"))
	}
	rec.Description = strings.TrimSpace(desc.Text())
	return nil
}

func (h *Habr) pageURL(page int) string {
	u := *h.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/tasks"
	// Commas in the category list stay literal.
	u.RawQuery = "categories=" + strings.Join(h.categories, ",") + "&page=" + strconv.Itoa(page)
	return u.String()
}

// parseListing returns the records found and the number of article nodes seen.
func (h *Habr) parseListing(doc *goquery.Document) ([]listing.Record, int) {
	now := time.Now().UTC()
	var records []listing.Record

	articles := doc.Find("article")
	articles.Each(func(i int, s *goquery.Selection) {
		titleDiv := s.Find("div.task__title").First()
		href, ok := titleDiv.Find("a[href]").First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			h.logger.Warn("Skipping Habr task without title link", "index", i)
			return
		}

		link, err := h.resolve(href)
		if err != nil {
			h.logger.Warn("Skipping Habr task with bad link", "href", href, "error", err)
			return
		}

		records = append(records, listing.Record{
			Marketplace: listing.Habr,
			ID:          link,
			Title:       cleanText(titleDiv.Text()),
			Price:       listing.TextPrice(cleanText(s.Find("div.task__price").First().Text())),
			Link:        link,
			CreatedAt:   now,
		})
	})

	return records, articles.Length()
}

// resolve turns a task href into the canonical absolute URL used as the record identity.
func (h *Habr) resolve(href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	u := h.base.ResolveReference(ref)
	u.Fragment = ""
	return u.String(), nil
}
