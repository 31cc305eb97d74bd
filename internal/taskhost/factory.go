package taskhost

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/animus-tasks/internal/task"
)

var ErrUnknownTask = errors.New("unknown task")

// Factory resolves tasks by name, ignoring case.
type Factory struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

func NewFactory(tasks ...task.Task) (*Factory, error) {
	f := &Factory{tasks: make(map[string]task.Task, len(tasks))}
	for _, t := range tasks {
		if err := f.Register(t); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Factory) Register(t task.Task) error {
	if t == nil {
		return errors.New("task is required")
	}
	key := strings.ToLower(t.Name())
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[key]; ok {
		return fmt.Errorf("task %q already registered", t.Name())
	}
	f.tasks[key] = t
	return nil
}

func (f *Factory) Exists(name string) bool {
	_, err := f.Get(name)
	return err == nil
}

func (f *Factory) Get(name string) (task.Task, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tasks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return t, nil
}

// List returns all tasks ordered by name.
func (f *Factory) List() []task.Task {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]task.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
