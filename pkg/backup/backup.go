// Package backup runs backup and restore sessions against registered drivers,
// recording each run in the job ledger and its output in the artifact store.
package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/lock"
	"github.com/supporttools/GoDBGuard/pkg/metrics"
	"github.com/supporttools/GoDBGuard/pkg/storage"
)

// CredentialResolver turns a target's credential reference into secrets
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (common.Credentials, error)
}

// Options tunes sessions
type Options struct {
	// Compression is the artifact body encoding, "none" or "gzip"
	Compression string
	// OrphanGrace is how old a non-finalized artifact must be before
	// recovery removes it
	OrphanGrace time.Duration
}

// BackupRequest describes one backup session. JobID is set when the session
// retries an existing job.
type BackupRequest struct {
	Target      common.DatabaseTarget
	Credentials common.Credentials
	JobID       string
	ScheduleID  string
	// MaxAttempts bounds the retries of a new job; zero means one attempt
	MaxAttempts int
}

// Manager handles backup and restore sessions
type Manager struct {
	registry *common.Registry
	store    storage.ArtifactStore
	ledger   ledger.Ledger
	locks    *lock.Table
	opts     Options
	log      *logrus.Entry
	now      func() time.Time

	mu     sync.Mutex
	active map[string]bool
}

// NewManager creates a new session manager
func NewManager(registry *common.Registry, store storage.ArtifactStore, l ledger.Ledger, locks *lock.Table, opts Options, log *logrus.Entry) *Manager {
	if opts.Compression == "" {
		opts.Compression = artifact.CompressionGzip
	}
	if locks == nil {
		locks = lock.NewTable()
	}
	return &Manager{
		registry: registry,
		store:    store,
		ledger:   l,
		locks:    locks,
		opts:     opts,
		log:      log,
		now:      time.Now,
		active:   make(map[string]bool),
	}
}

// Store returns the artifact store sessions write to
func (m *Manager) Store() storage.ArtifactStore {
	return m.store
}

// Ledger returns the job ledger sessions record to
func (m *Manager) Ledger() ledger.Ledger {
	return m.ledger
}

// Backup runs one backup session. A busy target fails with TargetBusy
// before any job is written. Otherwise the returned job reflects the
// final recorded state, also when an error is returned.
func (m *Manager) Backup(ctx context.Context, req BackupRequest) (*ledger.Job, error) {
	target := req.Target
	if err := target.Validate(); err != nil {
		return nil, err
	}
	driver, err := m.registry.Resolve(target.Engine)
	if err != nil {
		return nil, err
	}

	release, err := m.locks.TryAcquire(target.Key())
	if err != nil {
		return nil, err
	}
	// Every ledger write below happens before the lock is released
	defer release()

	job, err := m.startBackupJob(ctx, req)
	if err != nil {
		return nil, err
	}

	log := m.log.WithFields(logrus.Fields{"job": job.ID, "target": target.Key(), "attempt": job.Attempt})
	log.Info("Starting backup")
	start := m.now()

	a, err := m.runBackup(ctx, driver, target, req.Credentials, log)
	duration := m.now().Sub(start)
	metrics.BackupDuration.WithLabelValues(string(target.Engine), target.Database).Observe(duration.Seconds())
	if err != nil {
		metrics.BackupCount.WithLabelValues(string(target.Engine), target.Database, "error").Inc()
		return m.fail(ctx, job, err, log)
	}

	job.ArtifactID = a.ID
	if err := job.Transition(ledger.StatusSucceeded, m.now()); err != nil {
		return job, err
	}
	if err := m.ledger.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		return job, fmt.Errorf("failed to record successful backup: %w", err)
	}

	metrics.BackupCount.WithLabelValues(string(target.Engine), target.Database, "success").Inc()
	metrics.BackupSize.WithLabelValues(string(target.Engine), target.Database, m.store.Name()).Set(float64(a.Size))
	metrics.LastBackupTimestamp.WithLabelValues(string(target.Engine), target.Database).Set(float64(m.now().Unix()))
	log.WithField("artifact", a.ID).Infof("Backup completed in %v (%s)", duration.Round(time.Millisecond), humanize.Bytes(uint64(a.Size)))
	return job, nil
}

func (m *Manager) startBackupJob(ctx context.Context, req BackupRequest) (*ledger.Job, error) {
	wctx := context.WithoutCancel(ctx)
	now := m.now()

	if req.JobID == "" {
		maxAttempts := req.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		start := now.UTC()
		job := &ledger.Job{
			Kind:        ledger.KindBackup,
			Target:      req.Target,
			Status:      ledger.StatusRunning,
			CreatedAt:   start,
			StartedAt:   &start,
			Attempt:     1,
			MaxAttempts: maxAttempts,
			ScheduleID:  req.ScheduleID,
		}
		if err := m.ledger.CreateJob(wctx, job); err != nil {
			return nil, fmt.Errorf("failed to record backup job: %w", err)
		}
		return job, nil
	}

	job, err := m.ledger.GetJob(wctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", req.JobID, err)
	}
	if job.Kind != ledger.KindBackup || job.Target.Key() != req.Target.Key() {
		return nil, fmt.Errorf("job %s is not a backup of %s", job.ID, req.Target.Key())
	}
	if err := job.Transition(ledger.StatusRunning, now); err != nil {
		return nil, err
	}
	if err := m.ledger.SaveJob(wctx, job); err != nil {
		return nil, fmt.Errorf("failed to record backup retry: %w", err)
	}
	return job, nil
}

// runBackup streams the driver output into a new artifact and finalizes it.
// On failure the partial artifact is removed.
func (m *Manager) runBackup(ctx context.Context, driver common.Driver, target common.DatabaseTarget, creds common.Credentials, log *logrus.Entry) (artifact.Artifact, error) {
	a := artifact.New(target, m.opts.Compression, m.now())

	sink, err := m.store.OpenSink(ctx, a)
	if err != nil {
		return a, fmt.Errorf("failed to open artifact sink: %w", err)
	}
	m.track(a.ID)
	defer m.untrack(a.ID)

	w, err := artifact.NewWriter(sink, a.HeaderFor())
	if err != nil {
		sink.Close()
		m.discard(ctx, a.ID, log)
		return a, err
	}

	report, err := driver.Backup(ctx, target, creds, w)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to complete artifact: %w", cerr)
	}
	if serr := sink.Close(); err == nil && serr != nil {
		err = fmt.Errorf("failed to store artifact: %w", serr)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil && !fault.Is(err, fault.CancelledByOperator) {
			err = fault.Wrap(fault.CancelledByOperator, "backup", err)
		}
		m.discard(ctx, a.ID, log)
		return a, err
	}

	if report.Checksum != "" && (report.Checksum != w.Checksum() || report.Size != w.Size()) {
		m.discard(ctx, a.ID, log)
		return a, fault.New(fault.IntegrityMismatch, "backup",
			"driver reported %s (%d bytes) but artifact holds %s (%d bytes)",
			report.Checksum, report.Size, w.Checksum(), w.Size())
	}

	if err := m.store.Finalize(ctx, a.ID, w.Checksum(), w.Size()); err != nil {
		m.discard(ctx, a.ID, log)
		return a, err
	}
	a.Checksum = w.Checksum()
	a.Size = w.Size()
	a.Finalized = true
	return a, nil
}

// fail records err on job and returns it
func (m *Manager) fail(ctx context.Context, job *ledger.Job, err error, log *logrus.Entry) (*ledger.Job, error) {
	if terr := job.Fail(err, m.now()); terr != nil {
		log.Errorf("Cannot record failure: %v", terr)
		return job, err
	}
	if serr := m.ledger.SaveJob(context.WithoutCancel(ctx), job); serr != nil {
		log.Errorf("Failed to record job failure: %v", serr)
	}
	if job.Status == ledger.StatusCancelled {
		log.Warnf("%s cancelled: %v", job.Kind, err)
	} else {
		log.WithField("error_kind", job.ErrorKind).Errorf("%s failed: %v", job.Kind, err)
	}
	return job, err
}

func (m *Manager) discard(ctx context.Context, id string, log *logrus.Entry) {
	if err := m.store.Delete(context.WithoutCancel(ctx), id); err != nil {
		log.Warnf("Failed to remove incomplete artifact %s: %v", id, err)
	}
}

func (m *Manager) track(id string) {
	m.mu.Lock()
	m.active[id] = true
	m.mu.Unlock()
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// activeArtifacts returns the IDs of artifacts being written right now
func (m *Manager) activeArtifacts() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]bool, len(m.active))
	for id := range m.active {
		active[id] = true
	}
	return active
}
