// Package opsapi serves read-only visibility over locks and task runs, and a
// trigger to run a task through the host.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/animus-tasks/internal/platform/httpserver"
	"github.com/animus-labs/animus-tasks/internal/repo"
	"github.com/animus-labs/animus-tasks/internal/task"
	"github.com/animus-labs/animus-tasks/internal/taskhost"
)

const executeSuffix = ":execute"

// LockLister is implemented by *mutex.Mutex.
type LockLister interface {
	HeldLocks(ctx context.Context) ([]repo.LockRecord, error)
}

// TaskHost is implemented by *taskhost.Host.
type TaskHost interface {
	Handle(ctx context.Context, name string, args task.Arguments) (task.Result, error)
	Factory() *taskhost.Factory
}

type API struct {
	logger *slog.Logger
	locks  LockLister
	runs   repo.RunLogReader
	host   TaskHost
}

func New(logger *slog.Logger, locks LockLister, runs repo.RunLogReader, host TaskHost) (*API, error) {
	if locks == nil {
		return nil, errors.New("lock lister is required")
	}
	if runs == nil {
		return nil, errors.New("run log reader is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, locks: locks, runs: runs, host: host}, nil
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /locks", api.handleListLocks)
	mux.HandleFunc("GET /task-runs", api.handleListTaskRuns)
	mux.HandleFunc("GET /task-runs/{id}", api.handleGetTaskRun)
	if api.host != nil {
		mux.HandleFunc("GET /tasks", api.handleListTasks)
		mux.HandleFunc("POST /tasks/{action}", api.handleExecuteTask)
	}
}

type lockView struct {
	Name        string    `json:"name"`
	LockID      string    `json:"lock_id"`
	CreatedAt   time.Time `json:"created_at"`
	MachineName string    `json:"machine_name"`
	Description string    `json:"description,omitempty"`
}

type taskRunView struct {
	ID             int64     `json:"id"`
	TaskName       string    `json:"task_name"`
	MachineName    string    `json:"machine_name,omitempty"`
	IdentityName   string    `json:"identity_name,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	ErrorID        *int64    `json:"error_id,omitempty"`
}

type stepRunView struct {
	ID             int64     `json:"id"`
	StepName       string    `json:"step_name"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	ErrorID        *int64    `json:"error_id,omitempty"`
}

type messageView struct {
	ID        int64     `json:"id"`
	StepRunID *int64    `json:"step_run_id,omitempty"`
	StepName  string    `json:"step_name,omitempty"`
	Message   string    `json:"message"`
	LoggedAt  time.Time `json:"logged_at"`
}

type errorView struct {
	ID               int64     `json:"id"`
	Severity         string    `json:"severity"`
	Message          string    `json:"message"`
	FormattedMessage string    `json:"formatted_message,omitempty"`
	MachineName      string    `json:"machine_name,omitempty"`
	Target           string    `json:"target,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

type taskRunDetailView struct {
	taskRunView
	Steps    []stepRunView `json:"steps"`
	Messages []messageView `json:"messages"`
	Error    *errorView    `json:"error,omitempty"`
}

type taskView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

type executeRequest struct {
	Args []string `json:"args"`
}

type executeResponse struct {
	TaskRunID int64    `json:"task_run_id,omitempty"`
	Output    []string `json:"output"`
	Error     string   `json:"error,omitempty"`
}

func (api *API) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := api.locks.HeldLocks(r.Context())
	if err != nil {
		api.internalError(w, r, "list locks", err)
		return
	}
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockView(l))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"locks": out})
}

func (api *API) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.TaskRunFilter{
		TaskName: strings.TrimSpace(r.URL.Query().Get("task")),
		Limit:    clampInt(parseIntQuery(r, "limit", 50), 1, 500),
	}
	runs, err := api.runs.ListTaskRuns(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, "list task runs", err)
		return
	}
	out := make([]taskRunView, 0, len(runs))
	for _, run := range runs {
		out = append(out, taskRunView(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"task_runs": out})
}

func (api *API) handleGetTaskRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_id", "")
		return
	}
	detail, err := api.runs.GetTaskRun(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
		return
	}
	if err != nil {
		api.internalError(w, r, "get task run", err)
		return
	}

	out := taskRunDetailView{
		taskRunView: taskRunView(detail.Run),
		Steps:       make([]stepRunView, 0, len(detail.Steps)),
		Messages:    make([]messageView, 0, len(detail.Messages)),
	}
	for _, s := range detail.Steps {
		out.Steps = append(out.Steps, stepRunView{
			ID:             s.ID,
			StepName:       s.StepName,
			StartedAt:      s.StartedAt,
			ElapsedSeconds: s.ElapsedSeconds,
			ErrorID:        s.ErrorID,
		})
	}
	for _, m := range detail.Messages {
		out.Messages = append(out.Messages, messageView{
			ID:        m.ID,
			StepRunID: m.StepRunID,
			StepName:  m.StepName,
			Message:   m.Message,
			LoggedAt:  m.LoggedAt,
		})
	}
	if e := detail.Error; e != nil {
		out.Error = &errorView{
			ID:               e.ID,
			Severity:         string(e.Severity),
			Message:          e.Message,
			FormattedMessage: e.FormattedMessage,
			MachineName:      e.MachineName,
			Target:           e.Target,
			OccurredAt:       e.OccurredAt,
		}
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (api *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := api.host.Factory().List()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView{Name: t.Name(), Description: t.Description(), Steps: t.StepNames()})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (api *API) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	name, ok := strings.CutSuffix(action, executeSuffix)
	if !ok || strings.TrimSpace(name) == "" {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
		return
	}

	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	args, err := task.ParseArguments(req.Args)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_arguments", err.Error())
		return
	}

	res, err := api.host.Handle(r.Context(), name, args)
	resp := executeResponse{TaskRunID: res.TaskRunID, Output: res.Output}
	if resp.Output == nil {
		resp.Output = []string{}
	}
	var failure *task.ExecutionFailedError
	switch {
	case err == nil:
		httpserver.WriteJSON(w, http.StatusOK, resp)
	case errors.Is(err, taskhost.ErrUnknownTask):
		httpserver.WriteError(w, r, http.StatusNotFound, "unknown_task", name)
	case errors.As(err, &failure):
		resp.Error = failure.Error()
		code := http.StatusUnprocessableEntity
		if failure.Phase == task.PhaseLock {
			code = http.StatusConflict
		}
		httpserver.WriteJSON(w, code, resp)
	default:
		api.internalError(w, r, "execute task", err)
	}
}

func (api *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	api.logger.ErrorContext(r.Context(), op, "error", err)
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
