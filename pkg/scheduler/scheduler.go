// Package scheduler fires persisted backup schedules and retries failed
// scheduled jobs with exponential backoff.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/supporttools/GoDBGuard/pkg/backup"
	"github.com/supporttools/GoDBGuard/pkg/config"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/metrics"
	"github.com/supporttools/GoDBGuard/pkg/storage"
)

// Sessions runs backup sessions and the maintenance around them
type Sessions interface {
	Backup(ctx context.Context, req backup.BackupRequest) (*ledger.Job, error)
	Recover(ctx context.Context) (backup.RecoveryReport, error)
	CollectOrphans(ctx context.Context) ([]string, error)
	Store() storage.ArtifactStore
}

// Options tunes the scheduler
type Options struct {
	TickInterval    time.Duration
	MaxConcurrent   int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	BusyRetries     int
	BusyRetryDelay  time.Duration
	MaintenanceCron string
}

// OptionsFromConfig maps the scheduler config section to Options
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		TickInterval:    cfg.TickInterval,
		MaxConcurrent:   cfg.MaxConcurrentBackups,
		MaxAttempts:     cfg.MaxAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		BusyRetries:     cfg.BusyRetries,
		BusyRetryDelay:  cfg.BusyRetryDelay,
		MaintenanceCron: cfg.MaintenanceCron,
	}
}

// Scheduler owns the fire queue and a bounded pool of session workers.
// One coordinator goroutine runs Tick; sessions run on workers.
type Scheduler struct {
	sessions Sessions
	ledger   ledger.Ledger
	creds    backup.CredentialResolver
	clock    clock.Clock
	opts     Options
	log      *logrus.Entry
	pool     *semaphore.Weighted

	mu              sync.Mutex
	queue           fireQueue
	entries         map[string]*entry
	inflight        map[string]bool
	nextMaintenance time.Time

	workCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// stopping is set under mu by Shutdown; spawn refuses work after it
	stopping bool
}

// New creates a scheduler. Call Start, or Run, before Tick.
func New(sessions Sessions, l ledger.Ledger, creds backup.CredentialResolver, clk clock.Clock, opts Options, log *logrus.Entry) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 15 * time.Second
	}
	if clk == nil {
		clk = clock.WallClock
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sessions: sessions,
		ledger:   l,
		creds:    creds,
		clock:    clk,
		opts:     opts,
		log:      log,
		pool:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		entries:  make(map[string]*entry),
		inflight: make(map[string]bool),
		workCtx:  workCtx,
		cancel:   cancel,
	}
}

// Register validates and persists def, then queues it
func (s *Scheduler) Register(ctx context.Context, def *ledger.ScheduleDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if err := s.ledger.SaveSchedule(ctx, def); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if def.Enabled {
		s.upsertLocked(def, s.clock.Now())
	} else if e, ok := s.entries[def.ID]; ok {
		heap.Remove(&s.queue, e.index)
		delete(s.entries, def.ID)
	}
	heap.Init(&s.queue)
	s.log.WithField("schedule", def.Name).Infof("Registered schedule %q for %s", def.Cron, def.Target.Key())
	return nil
}

// Validate checks a definition before it is persisted
func Validate(def *ledger.ScheduleDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if err := def.Target.Validate(); err != nil {
		return err
	}
	if _, err := ParseCron(def.Cron); err != nil {
		return err
	}
	if def.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	return nil
}

// Unregister removes a schedule by ID or name
func (s *Scheduler) Unregister(ctx context.Context, ref string) error {
	def, err := s.ledger.GetSchedule(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.ledger.DeleteSchedule(ctx, def.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[def.ID]; ok {
		heap.Remove(&s.queue, e.index)
		delete(s.entries, def.ID)
	}
	return nil
}

// NextFires returns the queued next fire time per schedule ID
func (s *Scheduler) NextFires() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	fires := make(map[string]time.Time, len(s.entries))
	for id, e := range s.entries {
		fires[id] = e.next
	}
	return fires
}

// upsertLocked queues def or refreshes its entry. The caller re-heapifies.
func (s *Scheduler) upsertLocked(def *ledger.ScheduleDefinition, now time.Time) {
	if e, ok := s.entries[def.ID]; ok {
		if e.def.Cron == def.Cron && e.def.Target == def.Target {
			e.def = def
			return
		}
		heap.Remove(&s.queue, e.index)
		delete(s.entries, def.ID)
	}

	base := now
	if def.LastEvaluatedAt != nil {
		base = def.LastEvaluatedAt.In(now.Location())
	}
	next, err := NextFire(def.Cron, base)
	if err != nil {
		s.log.WithField("schedule", def.Name).Errorf("Not scheduling: %v", err)
		return
	}
	e := &entry{def: def, next: next}
	s.entries[def.ID] = e
	s.queue = append(s.queue, e)
	e.index = len(s.queue) - 1
}

// reconcile brings the queue in line with the definitions in the ledger
func (s *Scheduler) reconcile(ctx context.Context, now time.Time) error {
	defs, err := s.ledger.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		seen[def.ID] = true
		s.upsertLocked(def, now)
	}
	for id, e := range s.entries {
		if !seen[id] {
			heap.Remove(&s.queue, e.index)
			delete(s.entries, id)
		}
	}
	heap.Init(&s.queue)
	return nil
}

// Start recovers from a previous crash and loads the schedules. Interrupted
// scheduled jobs go through the retry policy.
func (s *Scheduler) Start(ctx context.Context) error {
	report, err := s.sessions.Recover(ctx)
	if err != nil {
		s.log.Errorf("Startup recovery incomplete: %v", err)
	}
	for _, job := range report.Interrupted {
		if job.ScheduleID != "" && job.Kind == ledger.KindBackup {
			s.applyRetryPolicy(ctx, job)
		}
	}

	now := s.clock.Now()
	if s.opts.MaintenanceCron != "" {
		next, err := NextFire(s.opts.MaintenanceCron, now)
		if err != nil {
			return fmt.Errorf("invalid maintenance schedule: %w", err)
		}
		s.nextMaintenance = next
	}
	return s.reconcile(ctx, now)
}

// Run starts the scheduler and ticks until ctx is done. It does not wait for
// workers; call Shutdown for that.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.log.Infof("Scheduler started with %d schedules, %d workers", len(s.NextFires()), s.opts.MaxConcurrent)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.opts.TickInterval):
		}
	}
}

// Shutdown cancels running sessions and waits for the workers to finish.
// Dispatches racing with it are refused, so no worker starts after the wait
// begins.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for backup workers: %w", ctx.Err())
	}
}

// Tick runs one coordinator pass: reconcile, fire due schedules, dispatch
// due retries and run maintenance when it is due
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	if err := s.reconcile(ctx, now); err != nil {
		s.log.Warnf("Using cached schedules: %v", err)
	}
	s.fireSchedules(ctx, now)
	s.dispatchRetries(ctx, now)
	s.maintain(ctx, now)
}

func (s *Scheduler) fireSchedules(ctx context.Context, now time.Time) {
	var fired []*ledger.ScheduleDefinition

	s.mu.Lock()
	for s.queue.due(now) {
		e := s.queue[0]
		if !s.pool.TryAcquire(1) {
			metrics.DeferredDispatches.WithLabelValues("schedule").Inc()
			s.log.WithField("schedule", e.def.Name).Warn("Worker pool saturated, deferring due schedule")
			break
		}
		next, err := NextFire(e.def.Cron, now)
		if err != nil {
			s.pool.Release(1)
			heap.Pop(&s.queue)
			delete(s.entries, e.def.ID)
			continue
		}
		evaluated := now.UTC()
		e.def.LastEvaluatedAt = &evaluated
		e.next = next
		heap.Fix(&s.queue, 0)
		fired = append(fired, e.def.Clone())
	}
	s.mu.Unlock()

	for _, def := range fired {
		if err := s.ledger.TouchSchedule(ctx, def.ID, now); err != nil {
			s.log.WithField("schedule", def.Name).Warnf("Failed to record evaluation: %v", err)
		}
		s.log.WithField("schedule", def.Name).Infof("Firing backup of %s", def.Target.Key())
		if !s.spawn(func(wctx context.Context) {
			s.runScheduled(wctx, def)
		}) {
			return
		}
	}
}

func (s *Scheduler) dispatchRetries(ctx context.Context, now time.Time) {
	jobs, err := s.ledger.ListJobs(ctx, ledger.JobFilter{Status: ledger.StatusRetrying})
	if err != nil {
		s.log.Warnf("Failed to load retrying jobs: %v", err)
		return
	}

	// Oldest first
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
			continue
		}

		s.mu.Lock()
		busy := s.inflight[job.ID]
		s.mu.Unlock()
		if busy {
			continue
		}
		if !s.pool.TryAcquire(1) {
			metrics.DeferredDispatches.WithLabelValues("retry").Inc()
			s.log.WithField("job", job.ID).Warn("Worker pool saturated, deferring due retry")
			return
		}

		s.mu.Lock()
		s.inflight[job.ID] = true
		s.mu.Unlock()

		s.log.WithField("job", job.ID).Infof("Retrying backup of %s (attempt %d of %d)", job.Target.Key(), job.Attempt+1, job.MaxAttempts)
		started := s.spawn(func(wctx context.Context) {
			defer func() {
				s.mu.Lock()
				delete(s.inflight, job.ID)
				s.mu.Unlock()
			}()
			s.runRetry(wctx, job)
		})
		if !started {
			s.mu.Lock()
			delete(s.inflight, job.ID)
			s.mu.Unlock()
			return
		}
	}
}

// RunNow fires a schedule immediately, outside its cron cadence
func (s *Scheduler) RunNow(ctx context.Context, ref string) error {
	def, err := s.ledger.GetSchedule(ctx, ref)
	if err != nil {
		return err
	}
	if !s.pool.TryAcquire(1) {
		metrics.DeferredDispatches.WithLabelValues("manual").Inc()
		return fmt.Errorf("worker pool is saturated, try again later")
	}
	s.log.WithField("schedule", def.Name).Infof("Running backup of %s on request", def.Target.Key())
	if !s.spawn(func(wctx context.Context) {
		s.runScheduled(wctx, def)
	}) {
		return fmt.Errorf("scheduler is shutting down")
	}
	return nil
}

// spawn runs fn on a worker. The caller already holds a pool slot, which is
// given back when the scheduler is shutting down and fn is not run.
func (s *Scheduler) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		s.pool.Release(1)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pool.Release(1)
		fn(s.workCtx)
	}()
	return true
}

func (s *Scheduler) runScheduled(ctx context.Context, def *ledger.ScheduleDefinition) {
	log := s.log.WithField("schedule", def.Name)
	req := backup.BackupRequest{
		Target:      def.Target,
		ScheduleID:  def.ID,
		MaxAttempts: s.opts.MaxAttempts,
	}
	creds, err := s.creds.Resolve(ctx, def.Target.CredentialRef)
	if err != nil {
		s.recordNotStarted(ctx, nil, req, err)
		return
	}
	req.Credentials = creds

	job, err := s.backupWhenFree(ctx, req)
	if job == nil {
		if fault.Is(err, fault.TargetBusy) {
			metrics.SkippedFires.WithLabelValues(def.Name).Inc()
			log.Warnf("Skipping fire, %s stayed busy", def.Target.Key())
		} else if err != nil {
			s.recordNotStarted(ctx, nil, req, err)
		}
		return
	}
	s.afterSession(ctx, job, def.Retention)
}

func (s *Scheduler) runRetry(ctx context.Context, job *ledger.Job) {
	log := s.log.WithField("job", job.ID)
	req := backup.BackupRequest{
		Target:     job.Target,
		JobID:      job.ID,
		ScheduleID: job.ScheduleID,
	}
	creds, err := s.creds.Resolve(ctx, job.Target.CredentialRef)
	if err != nil {
		s.recordNotStarted(ctx, job, req, err)
		return
	}
	req.Credentials = creds

	result, err := s.backupWhenFree(ctx, req)
	if result == nil {
		if fault.Is(err, fault.TargetBusy) {
			// Still Retrying; the next tick picks it up again
			log.Warnf("Retry did not start: %v", err)
		} else if err != nil {
			s.recordNotStarted(ctx, job, req, err)
		}
		return
	}

	retention := 0
	s.mu.Lock()
	if e, ok := s.entries[job.ScheduleID]; ok {
		retention = e.def.Retention
	}
	s.mu.Unlock()
	s.afterSession(ctx, result, retention)
}

// recordNotStarted records a scheduled backup that failed before a session
// could start. A new fire gets a job of its own; a retry spends the attempt
// it was about to make. Either way the retry policy then decides.
func (s *Scheduler) recordNotStarted(ctx context.Context, job *ledger.Job, req backup.BackupRequest, cause error) {
	log := s.log.WithField("target", req.Target.Key())
	if ctx.Err() != nil {
		// shutting down; a pending retry stays Retrying
		log.Warnf("Backup did not start: %v", cause)
		return
	}
	wctx := context.WithoutCancel(ctx)
	now := s.clock.Now()

	if job == nil {
		maxAttempts := req.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		started := now.UTC()
		job = &ledger.Job{
			Kind:        ledger.KindBackup,
			Target:      req.Target,
			Status:      ledger.StatusRunning,
			CreatedAt:   started,
			StartedAt:   &started,
			Attempt:     1,
			MaxAttempts: maxAttempts,
			ScheduleID:  req.ScheduleID,
		}
		if err := job.Fail(cause, now); err != nil {
			log.Errorf("Cannot record failure: %v", err)
			return
		}
		if err := s.ledger.CreateJob(wctx, job); err != nil {
			log.Errorf("Failed to record backup that did not start (%v): %v", cause, err)
			return
		}
	} else {
		job = job.Clone()
		if err := job.Transition(ledger.StatusRunning, now); err != nil {
			log.Errorf("Cannot record failure: %v", err)
			return
		}
		if err := s.ledger.SaveJob(wctx, job); err != nil {
			log.Errorf("Failed to record retry attempt: %v", err)
			return
		}
		if err := job.Fail(cause, now); err != nil {
			log.Errorf("Cannot record failure: %v", err)
			return
		}
		if err := s.ledger.SaveJob(wctx, job); err != nil {
			log.Errorf("Failed to record retry failure: %v", err)
			return
		}
	}

	log.WithField("job", job.ID).Errorf("Backup did not start: %v", cause)
	if job.Status == ledger.StatusFailed {
		s.applyRetryPolicy(ctx, job)
	}
}

// backupWhenFree runs a backup, retrying a bounded number of times while the
// target is busy
func (s *Scheduler) backupWhenFree(ctx context.Context, req backup.BackupRequest) (*ledger.Job, error) {
	for attempt := 0; ; attempt++ {
		job, err := s.sessions.Backup(ctx, req)
		if !fault.Is(err, fault.TargetBusy) || attempt >= s.opts.BusyRetries {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.opts.BusyRetryDelay):
		}
	}
}

func (s *Scheduler) afterSession(ctx context.Context, job *ledger.Job, retention int) {
	switch job.Status {
	case ledger.StatusSucceeded:
		if retention <= 0 {
			return
		}
		deleted, err := storage.EnforceRetention(context.WithoutCancel(ctx), s.sessions.Store(), job.Target.Key(), retention)
		if err != nil {
			s.log.Warnf("Retention for %s incomplete: %v", job.Target.Key(), err)
		}
		if len(deleted) > 0 {
			s.log.Infof("Retention removed %d artifacts of %s", len(deleted), job.Target.Key())
		}
	case ledger.StatusFailed:
		s.applyRetryPolicy(ctx, job)
	}
}

func (s *Scheduler) maintain(ctx context.Context, now time.Time) {
	if s.nextMaintenance.IsZero() || s.nextMaintenance.After(now) {
		return
	}
	if next, err := NextFire(s.opts.MaintenanceCron, now); err == nil {
		s.nextMaintenance = next
	}
	if _, err := s.sessions.CollectOrphans(ctx); err != nil {
		s.log.Warnf("Orphan collection failed: %v", err)
	}
}

// wait blocks until every worker has finished
func (s *Scheduler) wait() {
	s.wg.Wait()
}
