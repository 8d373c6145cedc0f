package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"freelance-notifier/pkg/listing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const kworkListingPage = `<!DOCTYPE html>
<html><head>
<script>var analytics = 1;</script>
<script>window.ORIGIN_URL = "https://kwork.ru"; window.greeting = "a;b\";c"; window.stateData = {"wantsListData":{"wants":[{"id":101,"name":"Telegram bot","description":"Need; a bot","priceLimit":"1500.00"},{"id":102,"name":"Landing","description":"One page","priceLimit":3000}]}}; window.after = 1;</script>
</head><body></body></html>`

const kworkDetailPage = `<html><head>
<script type="application/ld+json">{"@type":"Organization"}</script>
<script type="application/ld+json">{"name":"Telegram bot","description":"Line one
Line two","offers":{"price":"2500"}}</script>
</head><body></body></html>`

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{
			name: "plain",
			src:  "a=1;b=2",
			want: []string{"a=1", "b=2"},
		},
		{
			name: "semicolon in double quotes",
			src:  `a="x;y";b=2;`,
			want: []string{`a="x;y"`, "b=2"},
		},
		{
			name: "escaped quote inside literal",
			src:  `a="x\";y";b=2`,
			want: []string{`a="x\";y"`, "b=2"},
		},
		{
			name: "single quotes",
			src:  `a='x;y';b=2`,
			want: []string{`a='x;y'`, "b=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.src))
		})
	}
}

func TestKworkFetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/projects", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		fmt.Fprint(w, kworkListingPage)
	}))
	defer srv.Close()

	k := NewKwork(srv.Client(), KworkConfig{BaseURL: srv.URL}, testLogger())
	records, err := k.Fetch(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, "c=41&page=3", gotQuery)
	require.Len(t, records, 2)

	assert.Equal(t, listing.Kwork, records[0].Marketplace)
	assert.Equal(t, "101", records[0].ID)
	assert.Equal(t, "Telegram bot", records[0].Title)
	assert.Equal(t, "Need; a bot", records[0].Description)
	assert.Equal(t, int64(1500), records[0].Price.Amount)
	assert.Equal(t, srv.URL+"/projects/101/view", records[0].Link)

	assert.Equal(t, "102", records[1].ID)
	assert.Equal(t, int64(3000), records[1].Price.Amount)
}

func TestKworkFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "oops"},
		{"no state script", http.StatusOK, "<html><head><script>var x = 1;</script></head></html>"},
		{"no state data", http.StatusOK, `<html><head><script>window.ORIGIN_URL = "x"; window.y = 2;</script></head></html>`},
		{"bad json", http.StatusOK, `<html><head><script>window.ORIGIN_URL = "x"; window.stateData = {broken;</script></head></html>`},
		{"missing wants", http.StatusOK, `<html><head><script>window.ORIGIN_URL = "x"; window.stateData = {"other":1};</script></head></html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			k := NewKwork(srv.Client(), KworkConfig{BaseURL: srv.URL}, testLogger())
			_, err := k.Fetch(context.Background(), 1)
			require.Error(t, err)
			assert.True(t, IsFetchError(err), "expected FetchError, got %T", err)
		})
	}
}

func TestKworkEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><script>window.ORIGIN_URL = "x"; window.stateData = {"wantsListData":{"wants":[]}};</script></head></html>`)
	}))
	defer srv.Close()

	k := NewKwork(srv.Client(), KworkConfig{BaseURL: srv.URL}, testLogger())
	records, err := k.Fetch(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestKworkEnrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, kworkDetailPage)
	}))
	defer srv.Close()

	k := NewKwork(srv.Client(), KworkConfig{BaseURL: srv.URL}, testLogger())
	rec := listing.Record{Marketplace: listing.Kwork, ID: "101", Link: srv.URL + "/projects/101/view"}
	require.NoError(t, k.Enrich(context.Background(), &rec))

	assert.Equal(t, "Telegram bot", rec.Title)
	assert.Equal(t, "Line one\nLine two", rec.Description)
	assert.Equal(t, int64(2500), rec.Price.Amount)
}

func TestKworkEnrichKeepsExistingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, kworkDetailPage)
	}))
	defer srv.Close()

	k := NewKwork(srv.Client(), KworkConfig{BaseURL: srv.URL}, testLogger())
	rec := listing.Record{
		Marketplace: listing.Kwork,
		ID:          "101",
		Title:       "Listing title",
		Description: "Listing description",
		Price:       listing.NumericPrice(1500),
		Link:        srv.URL + "/projects/101/view",
	}
	require.NoError(t, k.Enrich(context.Background(), &rec))

	assert.Equal(t, "Listing title", rec.Title)
	assert.Equal(t, "Listing description", rec.Description)
	assert.Equal(t, int64(1500), rec.Price.Amount)
}

const habrListingPage = `<html><body>
<article class="task task_list">
  <div class="task__title" title="Parser"><a href="/tasks/555">Парсер   сайта</a></div>
  <div class="task__price"><span class="count">5` + "\u00a0" + `000 <span class="suffix">руб. за проект</span></span></div>
</article>
<article class="task task_list">
  <div class="task__title"><a href="https://freelance.habr.com/tasks/556#comments">Бот</a></div>
  <div class="task__price"><span class="negotiated_price">договорная</span></div>
</article>
<article class="task task_list">
  <div class="task__title">No link here</div>
</article>
</body></html>`

func TestHabrFetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/tasks", r.URL.Path)
		fmt.Fprint(w, habrListingPage)
	}))
	defer srv.Close()

	h, err := NewHabr(srv.Client(), HabrConfig{BaseURL: srv.URL, Categories: []string{"admin", "testing_sites"}}, testLogger())
	require.NoError(t, err)

	records, err := h.Fetch(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, "categories=admin,testing_sites&page=2", gotQuery)
	require.Len(t, records, 2)

	assert.Equal(t, listing.Habr, records[0].Marketplace)
	assert.Equal(t, srv.URL+"/tasks/555", records[0].ID)
	assert.Equal(t, records[0].ID, records[0].Link)
	assert.Equal(t, "Парсер сайта", records[0].Title)
	assert.Equal(t, "5 000 руб. за проект", records[0].Price.String())

	assert.Equal(t, "https://freelance.habr.com/tasks/556", records[1].ID)
	assert.Equal(t, "договорная", records[1].Price.String())
}

func TestHabrDefaultCategories(t *testing.T) {
	h, err := NewHabr(nil, HabrConfig{}, testLogger())
	require.NoError(t, err)

	got := h.pageURL(1)
	assert.True(t, strings.HasPrefix(got, "https://freelance.habr.com/tasks?categories=development_backend,"), got)
	assert.True(t, strings.HasSuffix(got, "other_audit_analytics&page=1"), got)
}

func TestHabrFetchEmptyAndError(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, "<html><body><p>nothing</p></body></html>")
	}))
	defer srv.Close()

	h, err := NewHabr(srv.Client(), HabrConfig{BaseURL: srv.URL}, testLogger())
	require.NoError(t, err)

	records, err := h.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, records)

	status = http.StatusForbidden
	_, err = h.Fetch(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Contains(t, err.Error(), "HTTP 403")
}

func TestHabrFetchChangedLayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
<article><div class="task-card__heading"><a href="/tasks/1">Парсер</a></div></article>
<article><div class="task-card__heading"><a href="/tasks/2">Бот</a></div></article>
</body></html>`)
	}))
	defer srv.Close()

	h, err := NewHabr(srv.Client(), HabrConfig{BaseURL: srv.URL}, testLogger())
	require.NoError(t, err)

	records, err := h.Fetch(context.Background(), 1)
	require.Error(t, err)
	assert.Nil(t, records)
	assert.True(t, IsFetchError(err))

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Page)
	assert.Contains(t, err.Error(), "no parseable task articles")
}

func TestHabrFetchSkipsArticleWithoutLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
<article><div class="task__title"><a href="/tasks/7">Скрипт</a></div></article>
<article><div class="task__title">Без ссылки</div></article>
</body></html>`)
	}))
	defer srv.Close()

	h, err := NewHabr(srv.Client(), HabrConfig{BaseURL: srv.URL}, testLogger())
	require.NoError(t, err)

	records, err := h.Fetch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, srv.URL+"/tasks/7", records[0].ID)
}

func TestHabrEnrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><div class="task__description">  Нужно написать бота  </div></body></html>`)
	}))
	defer srv.Close()

	h, err := NewHabr(srv.Client(), HabrConfig{BaseURL: srv.URL}, testLogger())
	require.NoError(t, err)

	rec := listing.Record{Marketplace: listing.Habr, ID: srv.URL + "/tasks/1", Link: srv.URL + "/tasks/1"}
	require.NoError(t, h.Enrich(context.Background(), &rec))
	assert.Equal(t, "Нужно написать бота", rec.Description)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	k := NewKwork(srv.Client(), KworkConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, testLogger())

	start := time.Now()
	_, err := k.Fetch(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}
