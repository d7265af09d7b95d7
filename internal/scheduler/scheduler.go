package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskHandler is a unit of scheduled work.
type TaskHandler interface {
	Execute(ctx context.Context) error
	Name() string
}

// ScheduledTask wraps a handler with its cron schedule and run stats.
type ScheduledTask struct {
	ID          string
	Schedule    string
	Handler     TaskHandler
	LastRun     time.Time
	RunCount    int64
	ErrorCount  int64
	Enabled     bool
	cronEntryID cron.EntryID
}

// Scheduler runs the periodic maintenance work: fraud deadline sweeps,
// retention cleanup and stats snapshots.
type Scheduler struct {
	logger     *slog.Logger
	cron       *cron.Cron
	tasks      map[string]*ScheduledTask
	tasksMutex sync.RWMutex
	taskCtx    context.Context
	cancel     context.CancelFunc
}

// New creates a scheduler with second-level cron precision in UTC.
func New(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:  logger,
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:   make(map[string]*ScheduledTask),
		taskCtx: ctx,
		cancel:  cancel,
	}
}

// AddTask registers a task
func (s *Scheduler) AddTask(id, schedule string, handler TaskHandler) error {
	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("task %s already registered", id)
	}

	task := &ScheduledTask{
		ID:       id,
		Schedule: schedule,
		Handler:  handler,
		Enabled:  true,
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		s.executeTask(task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", id, err)
	}

	task.cronEntryID = entryID
	s.tasks[id] = task

	s.logger.Info("Task scheduled", "task_id", id, "schedule", schedule)
	return nil
}

// Start starts the cron loop
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
}

// Stop waits for in-flight tasks and stops the cron loop
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.cancel()
	s.logger.Info("Scheduler stopped")
}

// Tasks lists the registered tasks
func (s *Scheduler) Tasks() []*ScheduledTask {
	s.tasksMutex.RLock()
	defer s.tasksMutex.RUnlock()

	tasks := make([]*ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

func (s *Scheduler) executeTask(task *ScheduledTask) {
	s.tasksMutex.Lock()
	if !task.Enabled {
		s.tasksMutex.Unlock()
		return
	}
	task.LastRun = time.Now()
	task.RunCount++
	s.tasksMutex.Unlock()

	started := time.Now()
	if err := task.Handler.Execute(s.taskCtx); err != nil {
		s.tasksMutex.Lock()
		task.ErrorCount++
		s.tasksMutex.Unlock()

		s.logger.Error("Scheduled task failed",
			"task_id", task.ID,
			"task_name", task.Handler.Name(),
			"duration", time.Since(started),
			"error", err)
		return
	}

	s.logger.Debug("Scheduled task completed",
		"task_id", task.ID,
		"duration", time.Since(started))
}
