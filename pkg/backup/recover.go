package backup

import (
	"context"
	"fmt"

	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/storage"
)

// RecoveryReport lists what Recover changed
type RecoveryReport struct {
	// Interrupted holds jobs that were Running and are now Failed
	Interrupted []*ledger.Job
	// Orphans holds the IDs of removed non-finalized artifacts
	Orphans []string
}

// Recover cleans up after a process that died mid-session. It must run
// before any session starts in this process.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	running, err := m.ledger.ListJobs(ctx, ledger.JobFilter{Status: ledger.StatusRunning})
	if err != nil {
		return report, fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, job := range running {
		cause := fault.New(fault.Interrupted, string(job.Kind), "process exited while the job was running")
		if err := job.Fail(cause, m.now()); err != nil {
			return report, err
		}
		if err := m.ledger.SaveJob(ctx, job); err != nil {
			return report, fmt.Errorf("failed to mark job %s interrupted: %w", job.ID, err)
		}
		m.log.WithField("job", job.ID).Warnf("Marked interrupted %s of %s as failed", job.Kind, job.Target.Key())
		report.Interrupted = append(report.Interrupted, job)
	}

	orphans, err := m.CollectOrphans(ctx)
	report.Orphans = orphans
	return report, err
}

// CollectOrphans removes non-finalized artifacts older than the orphan grace
// period that no session in this process is writing
func (m *Manager) CollectOrphans(ctx context.Context) ([]string, error) {
	cutoff := m.now().Add(-m.opts.OrphanGrace)
	deleted, err := storage.CollectOrphans(ctx, m.store, cutoff, m.activeArtifacts())
	if len(deleted) > 0 {
		m.log.Infof("Removed %d orphaned artifacts from %s storage", len(deleted), m.store.Name())
	}
	return deleted, err
}
