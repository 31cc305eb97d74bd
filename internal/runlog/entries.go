package runlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-tasks/internal/repo"
)

var ErrMessageImmutable = errors.New("message runs are write-once")

// Entry is one of *TaskRun, *StepRun or *MessageRun.
type Entry interface {
	entry()
}

// Output receives one line per created entry, for interactive display.
type Output func(line string)

type TaskRun struct {
	logger *Logger
	output Output

	mu           sync.Mutex
	id           int64
	taskName     string
	machineName  string
	identityName string
	startedAt    time.Time
	elapsed      float64
	errorRecord  *ErrorRecord
	steps        []*StepRun
	messages     []*MessageRun
	finished     bool
}

func (*TaskRun) entry() {}

func (t *TaskRun) ID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *TaskRun) TaskName() string { return t.taskName }
func (t *TaskRun) MachineName() string { return t.machineName }
func (t *TaskRun) StartedAt() time.Time { return t.startedAt }

func (t *TaskRun) ElapsedSeconds() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

func (t *TaskRun) Failure() *ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorRecord
}

// SetError attaches a persisted error record. Records without an id are ignored.
func (t *TaskRun) SetError(record *ErrorRecord) {
	if record == nil || record.ID == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorRecord = record
}

func (t *TaskRun) Steps() []*StepRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*StepRun(nil), t.steps...)
}

func (t *TaskRun) Messages() []*MessageRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*MessageRun(nil), t.messages...)
}

// StartStep creates and persists a StepRun owned by t.
func (t *TaskRun) StartStep(ctx context.Context, stepName string) (*StepRun, error) {
	step := &StepRun{
		task:      t,
		stepName:  strings.TrimSpace(stepName),
		startedAt: t.logger.clock.Now().UTC(),
	}
	if err := t.logger.Persist(ctx, step); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.steps = append(t.steps, step)
	t.mu.Unlock()
	t.emit(step.stepName)
	return step, nil
}

// LogMessage writes a message owned directly by the task run.
func (t *TaskRun) LogMessage(ctx context.Context, message string) error {
	return t.logMessage(ctx, nil, message)
}

func (t *TaskRun) logMessage(ctx context.Context, step *StepRun, message string) error {
	msg := &MessageRun{
		task:     t,
		step:     step,
		message:  message,
		loggedAt: t.logger.clock.Now().UTC(),
	}
	err := t.logger.Persist(ctx, msg)
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
	t.emit(message)
	return err
}

// Finish records the elapsed time and persists the run. Only the first call
// has any effect.
func (t *TaskRun) Finish(ctx context.Context) error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return nil
	}
	t.finished = true
	t.elapsed = t.logger.clock.Since(t.startedAt).Seconds()
	t.mu.Unlock()
	return t.logger.Persist(ctx, t)
}

func (t *TaskRun) emit(line string) {
	if t.output != nil {
		t.output(line)
	}
}

func (t *TaskRun) record() repo.TaskRunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return repo.TaskRunRecord{
		ID:             t.id,
		TaskName:       t.taskName,
		MachineName:    t.machineName,
		IdentityName:   t.identityName,
		StartedAt:      t.startedAt,
		ElapsedSeconds: t.elapsed,
		ErrorID:        errorRef(t.errorRecord),
	}
}

func (t *TaskRun) assignID(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
}

type StepRun struct {
	task      *TaskRun
	stepName  string
	startedAt time.Time

	mu          sync.Mutex
	id          int64
	elapsed     float64
	errorRecord *ErrorRecord
	finished    bool
}

func (*StepRun) entry() {}

func (s *StepRun) ID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *StepRun) StepName() string { return s.stepName }
func (s *StepRun) TaskRun() *TaskRun { return s.task }

func (s *StepRun) ElapsedSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

func (s *StepRun) Failure() *ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorRecord
}

func (s *StepRun) SetError(record *ErrorRecord) {
	if record == nil || record.ID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorRecord = record
}

func (s *StepRun) LogMessage(ctx context.Context, message string) error {
	return s.task.logMessage(ctx, s, message)
}

func (s *StepRun) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.elapsed = s.task.logger.clock.Since(s.startedAt).Seconds()
	s.mu.Unlock()
	return s.task.logger.Persist(ctx, s)
}

func (s *StepRun) record() repo.StepRunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo.StepRunRecord{
		ID:             s.id,
		TaskRunID:      s.task.ID(),
		TaskName:       s.task.taskName,
		StepName:       s.stepName,
		StartedAt:      s.startedAt,
		ElapsedSeconds: s.elapsed,
		ErrorID:        errorRef(s.errorRecord),
	}
}

func (s *StepRun) assignID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// MessageRun is immutable once created.
type MessageRun struct {
	task     *TaskRun
	step     *StepRun
	message  string
	loggedAt time.Time

	mu sync.Mutex
	id int64
}

func (*MessageRun) entry() {}

func (m *MessageRun) ID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *MessageRun) Message() string { return m.message }
func (m *MessageRun) LoggedAt() time.Time { return m.loggedAt }
func (m *MessageRun) StepRun() *StepRun { return m.step }

func (m *MessageRun) record() repo.MessageRecord {
	rec := repo.MessageRecord{
		ID:        m.ID(),
		TaskRunID: m.task.ID(),
		TaskName:  m.task.taskName,
		Message:   m.message,
		LoggedAt:  m.loggedAt,
	}
	if m.step != nil {
		stepID := m.step.ID()
		rec.StepRunID = &stepID
		rec.StepName = m.step.stepName
	}
	return rec
}

func (m *MessageRun) assignID(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

func errorRef(record *ErrorRecord) *int64 {
	if record == nil || record.ID == 0 {
		return nil
	}
	id := record.ID
	return &id
}
