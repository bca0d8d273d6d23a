// Package orchestrator runs background maintenance jobs on cron schedules.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"authrisk/internal/logger"
)

// TaskType represents the type of scheduled task
type TaskType string

const (
	// TaskTypeRetention deletes expired events, samples and audit records
	TaskTypeRetention TaskType = "retention_cleanup"
)

// Task represents a scheduled task
type Task struct {
	ID          string        `json:"id"`
	Type        TaskType      `json:"type"`
	Schedule    string        `json:"schedule"`
	LastRunTime time.Time     `json:"last_run_time"`
	LastElapsed time.Duration `json:"last_elapsed"`
	NextRunTime time.Time     `json:"next_run_time"`
	Status      TaskStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`

	entryID cron.EntryID
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Handle(ctx context.Context) error
}

// TaskHandlerFunc adapts a function to TaskHandler
type TaskHandlerFunc func(ctx context.Context) error

// Handle calls f(ctx)
func (f TaskHandlerFunc) Handle(ctx context.Context) error { return f(ctx) }

// Scheduler manages task scheduling
type Scheduler struct {
	cron     *cron.Cron
	tasks    map[TaskType]*Task
	handlers map[TaskType]TaskHandler
	timeout  time.Duration
	log      logger.Logger
	mu       sync.RWMutex
}

// NewScheduler creates a scheduler whose specs carry a seconds field.
// timeout bounds each run; zero means no bound.
func NewScheduler(timeout time.Duration, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Scheduler{
		cron:     c,
		tasks:    make(map[TaskType]*Task),
		handlers: make(map[TaskType]TaskHandler),
		timeout:  timeout,
		log:      log.WithField("component", "scheduler"),
	}
}

// RegisterHandler registers a handler for a task type
func (s *Scheduler) RegisterHandler(taskType TaskType, handler TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = handler
}

// AddTask schedules a registered task type. Re-adding a type replaces its schedule.
func (s *Scheduler) AddTask(taskType TaskType, schedule string) error {
	s.mu.RLock()
	handler, exists := s.handlers[taskType]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("no handler registered for task type: %s", taskType)
	}

	task := &Task{
		ID:       fmt.Sprintf("%s_%d", taskType, time.Now().UnixNano()),
		Type:     taskType,
		Schedule: schedule,
		Status:   TaskStatusPending,
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		s.runTask(context.Background(), task, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	task.entryID = entryID

	s.mu.Lock()
	if old, ok := s.tasks[taskType]; ok {
		s.cron.Remove(old.entryID)
	}
	s.tasks[taskType] = task
	s.mu.Unlock()

	s.log.Info("Task scheduled", "task", taskType, "schedule", schedule)
	return nil
}

// AddConfigured schedules every job in jobs (task type -> cron spec)
func (s *Scheduler) AddConfigured(jobs map[string]string) error {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.AddTask(TaskType(name), jobs[name]); err != nil {
			return fmt.Errorf("任务 %s 调度失败: %w", name, err)
		}
	}
	return nil
}

// RunNow runs a scheduled task synchronously, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, taskType TaskType) error {
	s.mu.RLock()
	task, ok := s.tasks[taskType]
	handler := s.handlers[taskType]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task not scheduled: %s", taskType)
	}
	return s.runTask(ctx, task, handler)
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// runTask executes a task
func (s *Scheduler) runTask(ctx context.Context, task *Task, handler TaskHandler) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRunTime = start
	s.mu.Unlock()

	err := handler.Handle(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	task.LastElapsed = time.Since(start)
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err.Error()
		s.log.Error("Task failed", "task", task.Type, "elapsed", task.LastElapsed, "error", err)
	} else {
		task.Status = TaskStatusCompleted
		task.Error = ""
		s.log.Info("Task completed", "task", task.Type, "elapsed", task.LastElapsed)
	}
	return err
}

// GetTask returns a snapshot of the task scheduled for taskType
func (s *Scheduler) GetTask(taskType TaskType) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskType]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", taskType)
	}
	return s.snapshot(task), nil
}

// ListTasks lists all tasks ordered by type
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, s.snapshot(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Type < tasks[j].Type })
	return tasks
}

func (s *Scheduler) snapshot(task *Task) *Task {
	cp := *task
	if entry := s.cron.Entry(task.entryID); entry.Valid() {
		cp.NextRunTime = entry.Next
	}
	return &cp
}
