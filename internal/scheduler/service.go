package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/events"
)

// JobFunc executes one job type with the schedule's params.
type JobFunc func(ctx context.Context, params map[string]interface{}) error

// Service wires the schedules table to the cron runtime and dispatches
// runs to registered job handlers by job_type.
type Service struct {
	sched  *Scheduler
	repo   *Repository
	events *events.Manager
	log    zerolog.Logger

	mu       sync.Mutex
	handlers map[string]JobFunc
	entries  map[string]cron.EntryID
}

// NewService creates the schedule dispatch service.
func NewService(sched *Scheduler, repo *Repository, eventMgr *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		sched:    sched,
		repo:     repo,
		events:   eventMgr,
		log:      log.With().Str("service", "scheduler").Logger(),
		handlers: make(map[string]JobFunc),
		entries:  make(map[string]cron.EntryID),
	}
}

// Register binds a job type to its handler. Must be called before Reload.
func (s *Service) Register(jobType string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = fn
}

// Reload rebuilds the cron entries from the enabled schedules. Called at
// startup and after every schedule mutation.
func (s *Service) Reload(ctx context.Context) error {
	schedules, err := s.repo.List(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.sched.Remove(id)
	}
	s.entries = make(map[string]cron.EntryID, len(schedules))

	for _, sched := range schedules {
		if _, ok := s.handlers[sched.JobType]; !ok {
			s.log.Warn().
				Str("schedule", sched.Name).
				Str("job_type", sched.JobType).
				Msg("No handler registered for job type, schedule skipped")
			continue
		}
		entryID, err := s.sched.AddJob(sched.CronExpr, &scheduledJob{svc: s, schedule: sched})
		if err != nil {
			s.log.Error().Err(err).
				Str("schedule", sched.Name).
				Str("cron", sched.CronExpr).
				Msg("Invalid cron expression, schedule skipped")
			continue
		}
		s.entries[sched.ID] = entryID
	}

	s.log.Info().Int("schedules", len(s.entries)).Msg("Schedules loaded")
	return nil
}

// Trigger runs a schedule immediately, outside its cron expression.
func (s *Service) Trigger(ctx context.Context, scheduleID string) error {
	sched, err := s.repo.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("schedule %s not found", scheduleID)
	}
	return s.run(ctx, *sched, true)
}

// List exposes the stored schedules.
func (s *Service) List(ctx context.Context) ([]Schedule, error) {
	return s.repo.List(ctx, false)
}

// Create stores a new schedule and reloads the cron entries.
func (s *Service) Create(ctx context.Context, sched *Schedule) error {
	s.mu.Lock()
	_, known := s.handlers[sched.JobType]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("unknown job type %q", sched.JobType)
	}
	if _, err := cron.ParseStandard(sched.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
	}
	if err := s.repo.Create(ctx, sched); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Update changes a schedule's cron expression and params, then reloads.
func (s *Service) Update(ctx context.Context, id, cronExpr string, params map[string]interface{}) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	if err := s.repo.Update(ctx, id, cronExpr, params); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// SetEnabled toggles a schedule and reloads.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.repo.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Delete removes a schedule and reloads.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return s.Reload(ctx)
}

func (s *Service) run(ctx context.Context, sched Schedule, manual bool) error {
	s.mu.Lock()
	fn, ok := s.handlers[sched.JobType]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for job type %q", sched.JobType)
	}

	s.events.EmitData("scheduler", &events.ScheduleTriggeredData{
		ScheduleID: sched.ID,
		Name:       sched.Name,
		JobType:    sched.JobType,
		Manual:     manual,
	})

	start := time.Now()
	err := fn(ctx, sched.Params)
	if stampErr := s.repo.UpdateLastRun(ctx, sched.ID, time.Now()); stampErr != nil {
		s.log.Error().Err(stampErr).Str("schedule", sched.Name).Msg("Failed to stamp last run")
	}
	if err != nil {
		return fmt.Errorf("schedule %s failed: %w", sched.Name, err)
	}

	s.log.Info().
		Str("schedule", sched.Name).
		Dur("elapsed", time.Since(start)).
		Bool("manual", manual).
		Msg("Schedule ran")
	return nil
}

// scheduledJob adapts a stored schedule to the cron Job interface.
type scheduledJob struct {
	svc      *Service
	schedule Schedule
}

func (j *scheduledJob) Name() string { return j.schedule.Name }

func (j *scheduledJob) Run() error {
	return j.svc.run(context.Background(), j.schedule, false)
}
