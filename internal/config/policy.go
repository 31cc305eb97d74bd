package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-tasks/internal/concurrency"
)

// PolicyFile is the YAML document:
//
//	tasks:
//	  Cleanup:
//	    concurrency: prevent
//	    wait_time: 10s
//	    lock_name: cleanup-global
//	    lock_description: nightly cleanup
//	    evaluator: weekdays
type PolicyFile struct {
	Tasks map[string]TaskPolicy `yaml:"tasks"`
}

type TaskPolicy struct {
	Concurrency     string `yaml:"concurrency,omitempty"`
	WaitTime        string `yaml:"wait_time,omitempty"`
	LockName        string `yaml:"lock_name,omitempty"`
	LockDescription string `yaml:"lock_description,omitempty"`
	// Evaluator names a registered runtime evaluator.
	Evaluator string `yaml:"evaluator,omitempty"`
}

func LoadPolicyFile(path string) (PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicyFile(data)
}

func ParsePolicyFile(input []byte) (PolicyFile, error) {
	var f PolicyFile
	if err := yaml.Unmarshal(input, &f); err != nil {
		return PolicyFile{}, fmt.Errorf("decode policy file: %w", err)
	}
	return f, nil
}

// Resolve turns the file into guard policies. Unknown modes, bad durations
// and evaluator names missing from evaluators are reported here rather than
// when the task runs.
func (f PolicyFile) Resolve(evaluators map[string]concurrency.Evaluator) (map[string]concurrency.Policy, error) {
	out := make(map[string]concurrency.Policy, len(f.Tasks))
	seen := make(map[string]string, len(f.Tasks))
	for name, tp := range f.Tasks {
		taskName := strings.TrimSpace(name)
		if taskName == "" {
			return nil, fmt.Errorf("tasks: task name is required")
		}
		key := strings.ToLower(taskName)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("tasks.%s duplicates tasks.%s", taskName, prev)
		}
		seen[key] = taskName

		mode, err := concurrency.ParseMode(tp.Concurrency)
		if err != nil {
			return nil, fmt.Errorf("tasks.%s.concurrency: %w", taskName, err)
		}
		p := concurrency.Policy{Mode: mode}
		if v := strings.TrimSpace(tp.WaitTime); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("tasks.%s.wait_time: %w", taskName, err)
			}
			if d < 0 {
				return nil, fmt.Errorf("tasks.%s.wait_time must be >= 0", taskName)
			}
			p.WaitTime = d
		}
		if v := strings.TrimSpace(tp.LockName); v != "" {
			p.LockName = concurrency.StaticLockName(v)
		}
		if v := strings.TrimSpace(tp.LockDescription); v != "" {
			p.LockDescription = concurrency.AppendDescription(v)
		}
		if v := strings.TrimSpace(tp.Evaluator); v != "" {
			eval, ok := evaluators[v]
			if !ok || eval == nil {
				return nil, fmt.Errorf("tasks.%s.evaluator: unknown evaluator %q", taskName, v)
			}
			p.Evaluator = eval
		}
		out[taskName] = p
	}
	return out, nil
}

// Apply registers every policy on g.
func Apply(g *concurrency.Guard, policies map[string]concurrency.Policy) error {
	for name, p := range policies {
		if err := g.Register(name, p); err != nil {
			return err
		}
	}
	return nil
}
