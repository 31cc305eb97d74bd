package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/animus-tasks/internal/mutex"
	"github.com/animus-labs/animus-tasks/internal/repo"
	"github.com/animus-labs/animus-tasks/internal/task"
	"github.com/animus-labs/animus-tasks/internal/taskhost"
)

type fakeLocks struct {
	locks []repo.LockRecord
	err   error
}

func (f fakeLocks) HeldLocks(context.Context) ([]repo.LockRecord, error) { return f.locks, f.err }

type fakeRuns struct {
	filter repo.TaskRunFilter
	detail map[int64]repo.TaskRunDetail
}

func (f *fakeRuns) ListTaskRuns(_ context.Context, filter repo.TaskRunFilter) ([]repo.TaskRunRecord, error) {
	f.filter = filter
	var out []repo.TaskRunRecord
	for _, d := range f.detail {
		out = append(out, d.Run)
	}
	return out, nil
}

func (f *fakeRuns) GetTaskRun(_ context.Context, id int64) (repo.TaskRunDetail, error) {
	d, ok := f.detail[id]
	if !ok {
		return repo.TaskRunDetail{}, repo.ErrNotFound
	}
	return d, nil
}

type fakeExecutor struct {
	args task.Arguments
	err  error
}

func (f *fakeExecutor) Execute(_ context.Context, t task.Task, args task.Arguments) (task.Result, error) {
	f.args = args
	return task.Result{TaskRunID: 7, Output: []string{"[10:00:00] " + t.Name()}}, f.err
}

func newTestServer(t *testing.T, exec *fakeExecutor, runs *fakeRuns, locks fakeLocks) http.Handler {
	t.Helper()
	cleanup, err := task.Simple("Cleanup", "removes things", func(context.Context, *task.Context) error { return nil })
	if err != nil {
		t.Fatalf("Simple: %v", err)
	}
	factory, _ := taskhost.NewFactory(cleanup)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host, err := taskhost.NewHost(factory, exec, nil, logger)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	api, err := New(logger, locks, runs, host)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	api.Register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, "http://ops.test"+target, r))
	return rec
}

func TestListLocks(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newTestServer(t, &fakeExecutor{}, &fakeRuns{}, fakeLocks{locks: []repo.LockRecord{
		{Name: "Cleanup", LockID: "tok", CreatedAt: created, MachineName: "host-a", Description: "Acquired by 'Cleanup'."},
	}})
	rec := do(t, h, http.MethodGet, "/locks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Locks []lockView `json:"locks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Locks) != 1 || body.Locks[0].MachineName != "host-a" || !body.Locks[0].CreatedAt.Equal(created) {
		t.Fatalf("unexpected locks: %+v", body.Locks)
	}

	h = newTestServer(t, &fakeExecutor{}, &fakeRuns{}, fakeLocks{err: errors.New("db down")})
	if rec := do(t, h, http.MethodGet, "/locks", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}

func TestTaskRuns(t *testing.T) {
	errID := int64(9)
	runs := &fakeRuns{detail: map[int64]repo.TaskRunDetail{
		3: {
			Run:      repo.TaskRunRecord{ID: 3, TaskName: "Cleanup", ErrorID: &errID},
			Steps:    []repo.StepRunRecord{{ID: 4, TaskRunID: 3, StepName: "A"}},
			Messages: []repo.MessageRecord{{ID: 5, TaskRunID: 3, Message: "hi"}},
			Error:    &repo.ErrorRecord{ID: 9, Severity: repo.SeverityError, Message: "boom"},
		},
	}}
	h := newTestServer(t, &fakeExecutor{}, runs, fakeLocks{})

	rec := do(t, h, http.MethodGet, "/task-runs?task=Cleanup&limit=9999", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if runs.filter.TaskName != "Cleanup" || runs.filter.Limit != 500 {
		t.Fatalf("unexpected filter: %+v", runs.filter)
	}

	rec = do(t, h, http.MethodGet, "/task-runs/3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var detail struct {
		ID       int64         `json:"id"`
		TaskName string        `json:"task_name"`
		Steps    []stepRunView `json:"steps"`
		Messages []messageView `json:"messages"`
		Error    *errorView    `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.ID != 3 || detail.TaskName != "Cleanup" || len(detail.Steps) != 1 || len(detail.Messages) != 1 || detail.Error == nil || detail.Error.Message != "boom" {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	if rec := do(t, h, http.MethodGet, "/task-runs/404", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/task-runs/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestExecuteTask(t *testing.T) {
	exec := &fakeExecutor{}
	h := newTestServer(t, exec, &fakeRuns{}, fakeLocks{})

	rec := do(t, h, http.MethodPost, "/tasks/cleanup:execute", `{"args":["dry-run=true"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp executeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskRunID != 7 || len(resp.Output) != 1 || exec.args.Get("dry-run") != "true" {
		t.Fatalf("unexpected response: %+v args=%s", resp, exec.args)
	}

	if rec := do(t, h, http.MethodPost, "/tasks/missing:execute", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/tasks/cleanup", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 without :execute", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/tasks/cleanup:execute", `{"args":["a=1","A=2"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestExecuteTaskFailures(t *testing.T) {
	exec := &fakeExecutor{err: &task.ExecutionFailedError{
		Phase:  task.PhaseLock,
		Reason: "Unable to acquire lock 'Cleanup'.",
		Err:    &mutex.TimeoutError{Name: "Cleanup", WaitTime: time.Second, PollInterval: time.Second, Attempts: 1},
	}}
	h := newTestServer(t, exec, &fakeRuns{}, fakeLocks{})
	rec := do(t, h, http.MethodPost, "/tasks/Cleanup:execute", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unable to acquire lock") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	exec.err = &task.ExecutionFailedError{Phase: task.PhaseStep, Step: "A", Err: errors.New("boom")}
	if rec := do(t, h, http.MethodPost, "/tasks/Cleanup:execute", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want 422", rec.Code)
	}

	if rec := do(t, h, http.MethodGet, "/tasks", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"Cleanup"`) {
		t.Fatalf("list tasks status=%d body=%s", rec.Code, rec.Body.String())
	}
}
