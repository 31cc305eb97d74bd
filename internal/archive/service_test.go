package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/animus-tasks/internal/repo"
	"github.com/animus-labs/animus-tasks/internal/runlog"
)

type memObject struct {
	body []byte
	info ObjectInfo
}

type memStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	listed  bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string]memObject{}}
}

func (m *memStore) Put(_ context.Context, bucket, key string, body io.Reader, size int64, ct string, meta map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	// Mimic header canonicalization on the way back.
	canon := map[string]string{}
	for k, v := range meta {
		canon[strings.ToUpper(k[:1])+k[1:]] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = memObject{body: data, info: ObjectInfo{Key: key, Size: size, ContentType: ct, Metadata: canon}}
	return nil
}

func (m *memStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, ObjectInfo{}, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(obj.body)), obj.info, nil
}

func (m *memStore) Stat(_ context.Context, bucket, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return ObjectInfo{}, errors.New("no such key")
	}
	return obj.info, nil
}

func (m *memStore) List(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listed = true
	var out []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, bucket+"/"+prefix) {
			info := obj.info
			info.Metadata = nil
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func newTestService(t *testing.T, store Store, retention time.Duration) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC))
	svc, err := NewService(store, Options{Bucket: "task-archive", OutputRetention: retention, Clock: clk})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	n := 0
	svc.newID = func() string {
		n++
		return strings.Repeat("x", n)
	}
	return svc, clk
}

func TestArchiveAndOpen(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store, 0)
	ctx := context.Background()

	entry, err := svc.Archive(ctx, "reports/daily summary", []byte("hello"), time.Hour)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if entry.Key != "archive/2026/05/04/reports/daily-summary-x.txt" {
		t.Fatalf("unexpected key %q", entry.Key)
	}
	body, got, err := svc.Open(ctx, entry.Key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "hello" {
		t.Fatalf("unexpected body %q", data)
	}
	if got.Name != "reports/daily summary" || !got.ExpiresAt.Equal(entry.ExpiresAt) {
		t.Fatalf("metadata not round-tripped: %+v", got)
	}
}

func TestCleanUpExpired(t *testing.T) {
	store := newMemStore()
	svc, clk := newTestService(t, store, 0)
	ctx := context.Background()

	if _, err := svc.Archive(ctx, "short", []byte("a"), time.Hour); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := svc.Archive(ctx, "long", []byte("b"), 48*time.Hour); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := svc.Archive(ctx, "forever", []byte("c"), 0); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	clk.Advance(2 * time.Hour)
	removed, err := svc.CleanUpExpired(ctx)
	if err != nil {
		t.Fatalf("CleanUpExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d want 1", removed)
	}
	left, err := svc.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 2 || !store.listed {
		t.Fatalf("unexpected remaining entries: %+v", left)
	}
}

type emptyRuns struct{ next int64 }

func (e *emptyRuns) InsertTaskRun(context.Context, repo.TaskRunRecord) (int64, error) {
	e.next++
	return e.next, nil
}
func (e *emptyRuns) UpdateTaskRun(context.Context, repo.TaskRunRecord) error { return nil }
func (e *emptyRuns) InsertStepRun(context.Context, repo.StepRunRecord) (int64, error) {
	e.next++
	return e.next, nil
}
func (e *emptyRuns) UpdateStepRun(context.Context, repo.StepRunRecord) error { return nil }
func (e *emptyRuns) InsertMessage(context.Context, repo.MessageRecord) (int64, error) {
	e.next++
	return e.next, nil
}
func (e *emptyRuns) InsertError(context.Context, repo.ErrorRecord) (int64, error) {
	e.next++
	return e.next, nil
}

func TestArchiveOutput(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store, 24*time.Hour)
	ctx := context.Background()

	runs := &emptyRuns{}
	log, err := runlog.NewLogger(runs, runs, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	run, err := log.StartTask(ctx, "Cleanup", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if err := svc.ArchiveOutput(ctx, run, []string{"[01:02:03] Cleanup", "[01:02:04] A"}); err != nil {
		t.Fatalf("ArchiveOutput: %v", err)
	}
	entries, err := svc.List(ctx, "task-runs/Cleanup/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "task-runs/Cleanup/1" || entries[0].ExpiresAt.IsZero() {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
