package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"freelance-notifier/pkg/listing"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Object metadata keys mirrored from the record so listings can be filtered without downloads.
const (
	metaSent      = "sent"
	metaCreatedAt = "created_at"
)

// GCSStore keeps one JSON object per record in a Cloud Storage bucket.
type GCSStore struct {
	client      *storage.Client
	logger      *slog.Logger
	bucket      string
	marketplace listing.Marketplace
	retryDelay  time.Duration
	retryJitter time.Duration
}

// NewGCS creates a bucket-backed record set. The client is owned by the caller.
func NewGCS(client *storage.Client, bucket string, marketplace listing.Marketplace, logger *slog.Logger) *GCSStore {
	return &GCSStore{
		client:      client,
		logger:      logger,
		bucket:      bucket,
		marketplace: marketplace,
		retryDelay:  time.Second,
		retryJitter: 10 * time.Second,
	}
}

// ObjectKey derives a stable object name from an identity.
// Identities may be URLs, so they are hashed rather than used as path segments.
func ObjectKey(m listing.Marketplace, id string) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%s/rec-%s.json", m, hex.EncodeToString(sum[:]))
}

func (s *GCSStore) prefix() string {
	return string(s.marketplace) + "/rec-"
}

func (s *GCSStore) object(id string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(ObjectKey(s.marketplace, id))
}

// do runs fn with the bucket retry policy.
func (s *GCSStore) do(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(s.retryJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}

// Exists reports whether id has been inserted.
func (s *GCSStore) Exists(ctx context.Context, id string) (bool, error) {
	key := ObjectKey(s.marketplace, id)
	found := false
	err := s.do(ctx, "exists", key, func() error {
		_, attrErr := s.object(id).Attrs(ctx)
		if attrErr == nil {
			found = true
			return nil
		}
		if errors.Is(attrErr, storage.ErrObjectNotExist) {
			found = false
			return nil
		}
		return fmt.Errorf("read attrs: %w", attrErr)
	})
	if err != nil {
		return false, storageErr("exists", err)
	}
	return found, nil
}

// Insert writes rec only if no object exists for its identity.
func (s *GCSStore) Insert(ctx context.Context, rec *listing.Record) (InsertResult, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, storageErr("insert", fmt.Errorf("marshal record: %w", err))
	}

	key := ObjectKey(s.marketplace, rec.ID)
	result := Inserted
	err = s.do(ctx, "insert", key, func() error {
		writeErr := s.write(ctx, s.object(rec.ID).If(storage.Conditions{DoesNotExist: true}), rec, data)
		if isPreconditionFailed(writeErr) {
			result = AlreadyExists
			return nil
		}
		return writeErr
	})
	if err != nil {
		return 0, storageErr("insert", err)
	}

	s.logger.Debug("Record stored", "marketplace", s.marketplace, "key", key, "result", result)
	return result, nil
}

// MarkSent rewrites the record with sent=true, guarded by its generation.
func (s *GCSStore) MarkSent(ctx context.Context, id string) error {
	key := ObjectKey(s.marketplace, id)
	err := s.do(ctx, "mark_sent", key, func() error {
		rec, gen, readErr := s.read(ctx, s.object(id))
		if readErr != nil {
			if errors.Is(readErr, storage.ErrObjectNotExist) {
				return retry.Unrecoverable(fmt.Errorf("mark sent %s: %w", id, ErrNotFound))
			}
			return readErr
		}
		if rec.Sent {
			return nil
		}

		now := time.Now().UTC()
		rec.Sent = true
		rec.SentAt = &now
		data, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return retry.Unrecoverable(fmt.Errorf("marshal record: %w", marshalErr))
		}
		// A concurrent writer makes this fail with 412; the retry re-reads.
		return s.write(ctx, s.object(id).If(storage.Conditions{GenerationMatch: gen}), rec, data)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storageErr("mark_sent", err)
	}
	return nil
}

// Unsent returns up to limit undelivered records created at or after since, oldest first.
// Objects are filtered on their metadata, so only candidates are downloaded.
func (s *GCSStore) Unsent(ctx context.Context, since time.Time, limit int) ([]listing.Record, error) {
	query := &storage.Query{Prefix: s.prefix()}
	if err := query.SetAttrSelection([]string{"Name", "Created", "Metadata"}); err != nil {
		return nil, storageErr("unsent", fmt.Errorf("select attrs: %w", err))
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)

	var records []listing.Record
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storageErr("unsent", fmt.Errorf("iterate bucket: %w", err))
		}
		if !strings.HasSuffix(attrs.Name, ".json") || !unsentCandidate(attrs, since) {
			continue
		}

		var rec *listing.Record
		loadErr := s.do(ctx, "unsent", attrs.Name, func() error {
			r, _, readErr := s.read(ctx, s.client.Bucket(s.bucket).Object(attrs.Name))
			if errors.Is(readErr, storage.ErrObjectNotExist) {
				return retry.Unrecoverable(readErr)
			}
			rec = r
			return readErr
		})
		if loadErr != nil {
			s.logger.Warn("Failed to load record", "key", attrs.Name, "error", loadErr)
			continue
		}
		if rec.Sent || rec.CreatedAt.Before(since) {
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (*GCSStore) Close() error {
	return nil
}

// unsentCandidate reports from listing attributes alone whether an object may hold an
// unsent record created at or after since.
func unsentCandidate(attrs *storage.ObjectAttrs, since time.Time) bool {
	if attrs.Metadata[metaSent] == "true" {
		return false
	}
	created := attrs.Created
	if v, ok := attrs.Metadata[metaCreatedAt]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			created = time.UnixMilli(ms)
		}
	}
	return created.IsZero() || !created.Before(since)
}

func objectMetadata(rec *listing.Record) map[string]string {
	return map[string]string{
		metaSent:      strconv.FormatBool(rec.Sent),
		metaCreatedAt: strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
	}
}

func (s *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, rec *listing.Record, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = objectMetadata(rec)
	// Records are small; upload each in a single request.
	w.ChunkSize = 0
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

func (s *GCSStore) read(ctx context.Context, obj *storage.ObjectHandle) (*listing.Record, int64, error) {
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("open storage reader: %w", err)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			s.logger.Warn("Failed to close storage reader", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read from storage: %w", err)
	}

	var rec listing.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, retry.Unrecoverable(fmt.Errorf("unmarshal record: %w", err))
	}
	return &rec, r.Attrs.Generation, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
