package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/animus-labs/animus-tasks/internal/concurrency"
	"github.com/animus-labs/animus-tasks/internal/platform/env"
	"github.com/animus-labs/animus-tasks/internal/task"
)

func TestFromEnvDefaults(t *testing.T) {
	s, err := FromEnv(env.FromMap(map[string]string{
		"TASKS_DATABASE_DRIVER": "sqlite3",
	}))
	if err != nil {
		t.Fatalf("FromEnv() err=%v", err)
	}
	if s.QueryLockInterval != 5*time.Second || s.DefaultWaitTime != 30*time.Second || s.RepeatInterval != time.Minute {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.PreventConcurrentAll || s.MutexDisabled || s.ArchiveOutput {
		t.Fatalf("flags should default to false")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	s, err := FromEnv(env.FromMap(map[string]string{
		"TASKS_DATABASE_DRIVER":        "sqlite3",
		"TASKS_QUERY_LOCK_INTERVAL":    "250ms",
		"TASKS_PREVENT_CONCURRENT_ALL": "true",
		"TASKS_MUTEX_DISABLED":         "1",
		"TASKS_MACHINE_NAME":           "worker-7",
		"TASKS_OPS_OPERATOR_TOKEN":     "op",
	}))
	if err != nil {
		t.Fatalf("FromEnv() err=%v", err)
	}
	if s.QueryLockInterval != 250*time.Millisecond || !s.PreventConcurrentAll || !s.MutexDisabled || s.MachineName != "worker-7" || !s.OpsAuth.Enabled() {
		t.Fatalf("overrides not applied: %+v", s)
	}
}

func TestFromEnvRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":          {"TASKS_QUERY_LOCK_INTERVAL": "soon"},
		"zero interval":         {"TASKS_QUERY_LOCK_INTERVAL": "0s"},
		"archive without minio": {"TASKS_ARCHIVE_OUTPUT": "true"},
	}
	for name, values := range cases {
		values["TASKS_DATABASE_DRIVER"] = "sqlite3"
		if _, err := FromEnv(env.FromMap(values)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

const policyYAML = `
tasks:
  Cleanup:
    concurrency: prevent
    wait_time: 10s
    lock_name: cleanup-global
    lock_description: nightly cleanup
  Report:
    concurrency: allow
  Import:
    concurrency: prevent
    evaluator: weekdays
`

func TestResolvePolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(policyYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	evaluators := map[string]concurrency.Evaluator{
		"weekdays": func(task.Task, task.Arguments) bool { return true },
	}
	policies, err := f.Resolve(evaluators)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cleanup := policies["Cleanup"]
	if cleanup.Mode != concurrency.ModePrevent || cleanup.WaitTime != 10*time.Second {
		t.Fatalf("unexpected cleanup policy: %+v", cleanup)
	}
	if cleanup.LockName == nil || cleanup.LockName(nil, task.Arguments{}) != "cleanup-global" {
		t.Fatalf("lock name not resolved")
	}
	if got := cleanup.LockDescription(nil, task.Arguments{}, "Acquired."); got != "Acquired. nightly cleanup" {
		t.Fatalf("description %q", got)
	}
	if policies["Report"].Mode != concurrency.ModeAllow || policies["Import"].Evaluator == nil {
		t.Fatalf("unexpected policies: %+v", policies)
	}
}

func TestResolveRejectsUnknownEvaluator(t *testing.T) {
	f, err := ParsePolicyFile([]byte(policyYAML))
	if err != nil {
		t.Fatalf("ParsePolicyFile: %v", err)
	}
	if _, err := f.Resolve(nil); err == nil {
		t.Fatalf("expected unknown evaluator error")
	}

	bad, _ := ParsePolicyFile([]byte("tasks:\n  X:\n    concurrency: maybe\n"))
	if _, err := bad.Resolve(nil); err == nil {
		t.Fatalf("expected mode error")
	}
	bad, _ = ParsePolicyFile([]byte("tasks:\n  X:\n    wait_time: later\n"))
	if _, err := bad.Resolve(nil); err == nil {
		t.Fatalf("expected wait_time error")
	}
}
