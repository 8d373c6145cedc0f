package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"freelance-notifier/pkg/listing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const testBucket = "test-bucket"

type fakeObject struct {
	created  time.Time
	metadata map[string]string
	data     []byte
	gen      int64
}

// fakeGCS serves the subset of the Cloud Storage JSON and XML APIs the store uses.
type fakeGCS struct {
	objects map[string]*fakeObject
	mu      sync.Mutex
	nextGen int64
	// conflicts makes that many generation-matched writes lose to a concurrent writer.
	conflicts int
	downloads int
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: make(map[string]*fakeObject), nextGen: 100}
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	jsonPrefix := "/storage/v1/b/" + testBucket + "/o"
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/upload"+jsonPrefix):
		f.upload(w, r)
	case path == jsonPrefix:
		f.list(w, r)
	case strings.HasPrefix(path, jsonPrefix+"/"):
		name := strings.TrimPrefix(path, jsonPrefix+"/")
		if r.URL.Query().Get("alt") == "media" {
			f.media(w, name)
			return
		}
		f.attrs(w, name)
	case strings.HasPrefix(path, "/"+testBucket+"/"):
		f.media(w, strings.TrimPrefix(path, "/"+testBucket+"/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGCS) resource(name string, o *fakeObject) map[string]any {
	return map[string]any{
		"kind":           "storage#object",
		"bucket":         testBucket,
		"name":           name,
		"generation":     strconv.FormatInt(o.gen, 10),
		"metageneration": "1",
		"size":           strconv.Itoa(len(o.data)),
		"contentType":    "application/json",
		"timeCreated":    o.created.UTC().Format(time.RFC3339Nano),
		"updated":        o.created.UTC().Format(time.RFC3339Nano),
		"metadata":       o.metadata,
	}
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": http.StatusText(code)},
	})
}

func (f *fakeGCS) attrs(w http.ResponseWriter, name string) {
	o, ok := f.objects[name]
	if !ok {
		writeAPIError(w, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.resource(name, o))
}

func (f *fakeGCS) media(w http.ResponseWriter, name string) {
	o, ok := f.objects[name]
	if !ok {
		writeAPIError(w, http.StatusNotFound)
		return
	}
	f.downloads++
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
	w.Header().Set("X-Goog-Generation", strconv.FormatInt(o.gen, 10))
	w.Header().Set("X-Goog-Metageneration", "1")
	_, _ = w.Write(o.data)
}

func (f *fakeGCS) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	names := make([]string, 0, len(f.objects))
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	items := make([]map[string]any, 0, len(names))
	for _, name := range names {
		items = append(items, f.resource(name, f.objects[name]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"kind": "storage#objects", "items": items})
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeAPIError(w, http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var meta struct {
		Metadata map[string]string `json:"metadata"`
		Name     string            `json:"name"`
	}
	part, err := mr.NextPart()
	if err != nil || json.NewDecoder(part).Decode(&meta) != nil {
		writeAPIError(w, http.StatusBadRequest)
		return
	}
	part, err = mr.NextPart()
	if err != nil {
		writeAPIError(w, http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(part)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest)
		return
	}

	name := meta.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	existing := f.objects[name]

	if v := r.URL.Query().Get("ifGenerationMatch"); v != "" {
		want, _ := strconv.ParseInt(v, 10, 64)
		if want != 0 && existing != nil && f.conflicts > 0 {
			f.conflicts--
			f.nextGen++
			existing.gen = f.nextGen
		}
		var current int64
		if existing != nil {
			current = existing.gen
		}
		if want != current {
			writeAPIError(w, http.StatusPreconditionFailed)
			return
		}
	}

	f.nextGen++
	created := time.Now()
	if existing != nil {
		created = existing.created
	}
	obj := &fakeObject{created: created, metadata: meta.Metadata, data: data, gen: f.nextGen}
	f.objects[name] = obj

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.resource(name, obj))
}

func (f *fakeGCS) record(t *testing.T, m listing.Marketplace, id string) listing.Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[ObjectKey(m, id)]
	require.True(t, ok, "object for %s missing", id)
	var rec listing.Record
	require.NoError(t, json.Unmarshal(o.data, &rec))
	return rec
}

func newTestGCS(t *testing.T, m listing.Marketplace) (*GCSStore, *fakeGCS) {
	t.Helper()
	fake := newFakeGCS()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := NewGCS(client, testBucket, m, testLogger())
	s.retryDelay = time.Millisecond
	s.retryJitter = time.Millisecond
	return s, fake
}

func TestGCSInsertAndExists(t *testing.T) {
	s, fake := newTestGCS(t, listing.Habr)
	ctx := context.Background()
	id := "https://freelance.habr.com/tasks/1"

	exists, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	rec := listing.Record{
		Marketplace: listing.Habr,
		ID:          id,
		Title:       "Telegram bot",
		Link:        id,
		Price:       listing.TextPrice("5 000 руб. за проект"),
	}
	res, err := s.Insert(ctx, &rec)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	exists, err = s.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	dup := rec
	dup.Title = "changed"
	res, err = s.Insert(ctx, &dup)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res)

	stored := fake.record(t, listing.Habr, id)
	assert.Equal(t, "Telegram bot", stored.Title)
	assert.Equal(t, "5 000 руб. за проект", stored.Price.Text)
	assert.False(t, stored.Sent)
}

func TestGCSMarkSent(t *testing.T) {
	s, fake := newTestGCS(t, listing.Kwork)
	ctx := context.Background()

	rec := listing.Record{Marketplace: listing.Kwork, ID: "101", Title: "Parser", Price: listing.NumericPrice(3000)}
	_, err := s.Insert(ctx, &rec)
	require.NoError(t, err)

	require.NoError(t, s.MarkSent(ctx, "101"))
	stored := fake.record(t, listing.Kwork, "101")
	assert.True(t, stored.Sent)
	require.NotNil(t, stored.SentAt)
	assert.Equal(t, int64(3000), stored.Price.Amount)

	fake.mu.Lock()
	assert.Equal(t, "true", fake.objects[ObjectKey(listing.Kwork, "101")].metadata[metaSent])
	fake.mu.Unlock()

	// Second call is a no-op.
	require.NoError(t, s.MarkSent(ctx, "101"))
	again := fake.record(t, listing.Kwork, "101")
	assert.Equal(t, stored.SentAt.UnixMilli(), again.SentAt.UnixMilli())
}

func TestGCSMarkSentUnknown(t *testing.T) {
	s, _ := newTestGCS(t, listing.Kwork)

	err := s.MarkSent(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, IsStorageError(err))
}

func TestGCSMarkSentRetriesGenerationConflict(t *testing.T) {
	s, fake := newTestGCS(t, listing.Kwork)
	ctx := context.Background()

	rec := listing.Record{Marketplace: listing.Kwork, ID: "7", Title: "Scraper"}
	_, err := s.Insert(ctx, &rec)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.conflicts = 1
	fake.mu.Unlock()

	require.NoError(t, s.MarkSent(ctx, "7"))
	assert.True(t, fake.record(t, listing.Kwork, "7").Sent)

	fake.mu.Lock()
	assert.Zero(t, fake.conflicts)
	fake.mu.Unlock()
}

func TestGCSUnsent(t *testing.T) {
	s, fake := newTestGCS(t, listing.Kwork)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, created time.Time) {
		rec := listing.Record{Marketplace: listing.Kwork, ID: id, Title: "T" + id, CreatedAt: created}
		_, err := s.Insert(ctx, &rec)
		require.NoError(t, err)
	}
	insert("old", now.Add(-48*time.Hour))
	insert("c", now.Add(-1*time.Minute))
	insert("a", now.Add(-3*time.Minute))
	insert("b", now.Add(-2*time.Minute))
	insert("sent", now.Add(-4*time.Minute))
	require.NoError(t, s.MarkSent(ctx, "sent"))

	fake.mu.Lock()
	fake.downloads = 0
	fake.mu.Unlock()

	records, err := s.Unsent(ctx, now.Add(-24*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID)

	// Only the three unsent records inside the window are downloaded.
	fake.mu.Lock()
	assert.Equal(t, 3, fake.downloads)
	fake.mu.Unlock()

	all, err := s.Unsent(ctx, now.Add(-24*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGCSRecordSetsAreIndependent(t *testing.T) {
	fake := newFakeGCS()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	kwork := NewGCS(client, testBucket, listing.Kwork, testLogger())
	habr := NewGCS(client, testBucket, listing.Habr, testLogger())
	ctx := context.Background()

	rec := listing.Record{Marketplace: listing.Kwork, ID: "1"}
	_, err = kwork.Insert(ctx, &rec)
	require.NoError(t, err)

	exists, err := habr.Exists(ctx, "1")
	require.NoError(t, err)
	assert.False(t, exists)

	records, err := habr.Unsent(ctx, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUnsentCandidate(t *testing.T) {
	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	ms := func(tm time.Time) string { return strconv.FormatInt(tm.UnixMilli(), 10) }

	tests := []struct {
		attrs *storage.ObjectAttrs
		name  string
		want  bool
	}{
		{name: "sent", attrs: &storage.ObjectAttrs{Metadata: map[string]string{metaSent: "true", metaCreatedAt: ms(since.Add(time.Hour))}}, want: false},
		{name: "unsent in window", attrs: &storage.ObjectAttrs{Metadata: map[string]string{metaSent: "false", metaCreatedAt: ms(since.Add(time.Hour))}}, want: true},
		{name: "unsent too old", attrs: &storage.ObjectAttrs{Metadata: map[string]string{metaSent: "false", metaCreatedAt: ms(since.Add(-time.Hour))}}, want: false},
		{name: "no metadata, old object", attrs: &storage.ObjectAttrs{Created: since.Add(-time.Hour)}, want: false},
		{name: "no metadata, new object", attrs: &storage.ObjectAttrs{Created: since.Add(time.Hour)}, want: true},
		{name: "no metadata, no times", attrs: &storage.ObjectAttrs{}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unsentCandidate(tt.attrs, since))
		})
	}
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey(listing.Habr, "https://freelance.habr.com/tasks/1")
	assert.Regexp(t, regexp.MustCompile(`^habr/rec-[0-9a-f]{64}\.json$`), key)

	assert.Equal(t, key, ObjectKey(listing.Habr, "https://freelance.habr.com/tasks/1"))
	assert.NotEqual(t, key, ObjectKey(listing.Habr, "https://freelance.habr.com/tasks/2"))
	assert.NotEqual(t, ObjectKey(listing.Kwork, "1"), ObjectKey(listing.Habr, "1"))
}

func TestIsPreconditionFailed(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "412", err: &googleapi.Error{Code: http.StatusPreconditionFailed}, want: true},
		{name: "wrapped 412", err: fmt.Errorf("close storage writer: %w", &googleapi.Error{Code: http.StatusPreconditionFailed}), want: true},
		{name: "500", err: &googleapi.Error{Code: http.StatusInternalServerError}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPreconditionFailed(tt.err))
		})
	}
}

func TestInsertResultString(t *testing.T) {
	assert.Equal(t, "inserted", Inserted.String())
	assert.Equal(t, "already_exists", AlreadyExists.String())
}
