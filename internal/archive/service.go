// Package archive keeps named text documents in object storage, each with an
// optional expiry after which maintenance removes it.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/runlog"
)

const (
	keyPrefix     = "archive/"
	metaName      = "archive-name"
	metaCreatedAt = "created-at"
	metaExpiresAt = "expires-at"
	contentType   = "text/plain; charset=utf-8"
)

// Entry describes an archived document. A zero ExpiresAt never expires.
type Entry struct {
	Key       string
	Name      string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type Options struct {
	Bucket string
	// OutputRetention is the expiry applied to archived run output. Zero keeps
	// output forever.
	OutputRetention time.Duration
	Clock           clockwork.Clock
}

type Service struct {
	store     Store
	bucket    string
	outputTTL time.Duration
	clock     clockwork.Clock
	newID     func() string
}

func NewService(store Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if opts.OutputRetention < 0 {
		return nil, errors.New("output retention must be >= 0")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Service{
		store:     store,
		bucket:    opts.Bucket,
		outputTTL: opts.OutputRetention,
		clock:     opts.Clock,
		newID:     uuid.NewString,
	}, nil
}

// Archive stores content under a new key. A positive ttl sets the expiry.
func (s *Service) Archive(ctx context.Context, name string, content []byte, ttl time.Duration) (Entry, error) {
	if s == nil || s.store == nil {
		return Entry{}, errors.New("archive service not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, errors.New("archive name is required")
	}
	now := s.clock.Now().UTC()
	entry := Entry{
		Key:       keyFor(name, now, s.newID()),
		Name:      name,
		Size:      int64(len(content)),
		CreatedAt: now,
	}
	meta := map[string]string{
		metaName:      name,
		metaCreatedAt: now.Format(time.RFC3339Nano),
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
		meta[metaExpiresAt] = entry.ExpiresAt.Format(time.RFC3339Nano)
	}
	if err := s.store.Put(ctx, s.bucket, entry.Key, bytes.NewReader(content), entry.Size, contentType, meta); err != nil {
		return Entry{}, fmt.Errorf("archive %q: %w", name, err)
	}
	return entry, nil
}

func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, Entry, error) {
	body, info, err := s.store.Get(ctx, s.bucket, key)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("open archive %s: %w", key, err)
	}
	return body, entryFrom(info), nil
}

// List returns archived documents whose name starts with prefix.
func (s *Service) List(ctx context.Context, prefix string) ([]Entry, error) {
	infos, err := s.store.List(ctx, s.bucket, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.Metadata == nil {
			// Listings do not always carry user metadata.
			key := info.Key
			info, err = s.store.Stat(ctx, s.bucket, key)
			if err != nil {
				return nil, fmt.Errorf("stat archive %s: %w", key, err)
			}
		}
		entry := entryFrom(info)
		if strings.HasPrefix(entry.Name, prefix) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// CleanUpExpired deletes every expired document and returns how many.
func (s *Service) CleanUpExpired(ctx context.Context) (int, error) {
	entries, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.clock.Now().UTC()
	removed := 0
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.store.Delete(ctx, s.bucket, entry.Key); err != nil {
			return removed, fmt.Errorf("delete archive %s: %w", entry.Key, err)
		}
		removed++
	}
	return removed, nil
}

// ArchiveOutput stores the output lines of a finished task run.
func (s *Service) ArchiveOutput(ctx context.Context, run *runlog.TaskRun, lines []string) error {
	if run == nil || len(lines) == 0 {
		return nil
	}
	name := fmt.Sprintf("task-runs/%s/%d", run.TaskName(), run.ID())
	_, err := s.Archive(ctx, name, []byte(strings.Join(lines, "\n")+"\n"), s.outputTTL)
	return err
}

func keyFor(name string, at time.Time, id string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return fmt.Sprintf("%s%s/%s-%s.txt", keyPrefix, at.Format("2006/01/02"), strings.Trim(b.String(), "/"), id)
}

func entryFrom(info ObjectInfo) Entry {
	entry := Entry{Key: info.Key, Name: info.meta(metaName), Size: info.Size, CreatedAt: info.LastModified}
	if entry.Name == "" {
		entry.Name = info.Key
	}
	if v := info.meta(metaCreatedAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.CreatedAt = t
		}
	}
	if v := info.meta(metaExpiresAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.ExpiresAt = t
		}
	}
	return entry
}
