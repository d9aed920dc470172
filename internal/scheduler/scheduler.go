// Package scheduler runs periodic and one-shot background work on gocron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
)

// TaskFunc is the body of a scheduled task. The context is cancelled on Stop.
type TaskFunc func(ctx context.Context) error

// TaskConfig describes an interval task.
type TaskConfig struct {
	ID          string
	Name        string
	Description string
	Interval    time.Duration
	Func        TaskFunc
	RunOnStart  bool
}

// TaskInfo is the API view of a registered task.
type TaskInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Interval    string     `json:"interval"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	Runs        int64      `json:"runs"`
	Running     bool       `json:"running"`
}

type task struct {
	cfg     TaskConfig
	job     gocron.Job
	running atomic.Bool
	runs    atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Scheduler owns a gocron scheduler and the tasks registered on it.
type Scheduler struct {
	cron   gocron.Scheduler
	logger zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger zerolog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// RegisterTask adds an interval task. Ticks that arrive while the previous
// run is still going are skipped.
func (s *Scheduler) RegisterTask(cfg TaskConfig) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive", cfg.ID)
	}
	if cfg.Func == nil {
		return fmt.Errorf("task %q: missing func", cfg.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[cfg.ID]; dup {
		return fmt.Errorf("task %q already registered", cfg.ID)
	}

	t := &task{cfg: cfg}
	job, err := s.cron.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() { s.run(t) }),
		gocron.WithName(cfg.Name),
		gocron.WithTags(cfg.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("task %q: %w", cfg.ID, err)
	}
	t.job = job
	s.tasks[cfg.ID] = t

	s.logger.Info().
		Str("task", cfg.ID).
		Dur("interval", cfg.Interval).
		Bool("runOnStart", cfg.RunOnStart).
		Msg("Task registered")
	return nil
}

// ScheduleOnce runs fn a single time after delay. Pending jobs are dropped on Stop.
func (s *Scheduler) ScheduleOnce(name string, delay time.Duration, fn func()) error {
	at := time.Now().Add(delay)
	if _, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithTags("once", uuid.NewString()),
	); err != nil {
		return fmt.Errorf("failed to schedule %q: %w", name, err)
	}
	s.logger.Debug().Str("job", name).Time("at", at).Msg("One-time job scheduled")
	return nil
}

func (s *Scheduler) run(t *task) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer t.running.Store(false)

	start := time.Now()
	err := t.cfg.Func(s.ctx)
	t.runs.Add(1)

	t.mu.Lock()
	t.lastRun = start
	t.lastErr = err
	t.mu.Unlock()

	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("task", t.cfg.ID).Dur("took", time.Since(start)).Msg("Task finished")
}

// Start starts gocron and kicks off every RunOnStart task.
func (s *Scheduler) Start() error {
	s.cron.Start()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.cfg.RunOnStart {
			go s.run(t)
		}
	}
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
	return nil
}

// Stop cancels running task contexts and waits for gocron to drain.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// RunNow starts a task outside its interval.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.running.Load() {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	go s.run(t)
	return nil
}

// ListTasks returns every registered task ordered by id.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTask returns one task by id.
func (s *Scheduler) GetTask(id string) (*TaskInfo, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	info := t.snapshot()
	return &info, nil
}

func (t *task) snapshot() TaskInfo {
	info := TaskInfo{
		ID:          t.cfg.ID,
		Name:        t.cfg.Name,
		Description: t.cfg.Description,
		Interval:    t.cfg.Interval.String(),
		Runs:        t.runs.Load(),
		Running:     t.running.Load(),
	}

	t.mu.Lock()
	if !t.lastRun.IsZero() {
		last := t.lastRun
		info.LastRun = &last
	}
	if t.lastErr != nil {
		info.LastError = t.lastErr.Error()
	}
	t.mu.Unlock()

	if next, err := t.job.NextRun(); err == nil && !next.IsZero() {
		info.NextRun = &next
	}
	return info
}
