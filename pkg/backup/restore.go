package backup

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/metrics"
)

// RestoreRequest describes one restore session. ArtifactRef is an artifact
// ID or the path of an artifact file.
type RestoreRequest struct {
	Target      common.DatabaseTarget
	Credentials common.Credentials
	ArtifactRef string
}

// Restore verifies an artifact end to end and then replays it into the
// target. Restores are never retried.
func (m *Manager) Restore(ctx context.Context, req RestoreRequest) (*ledger.Job, error) {
	target := req.Target
	if err := target.Validate(); err != nil {
		return nil, err
	}
	driver, err := m.registry.Resolve(target.Engine)
	if err != nil {
		return nil, err
	}

	start := m.now().UTC()
	job := &ledger.Job{
		Kind:        ledger.KindRestore,
		Target:      target,
		Status:      ledger.StatusRunning,
		CreatedAt:   start,
		StartedAt:   &start,
		Attempt:     1,
		MaxAttempts: 1,
		ArtifactID:  artifact.IDFromRef(req.ArtifactRef),
	}
	if err := m.ledger.CreateJob(context.WithoutCancel(ctx), job); err != nil {
		return nil, fmt.Errorf("failed to record restore job: %w", err)
	}

	log := m.log.WithFields(logrus.Fields{"job": job.ID, "target": target.Key(), "artifact": job.ArtifactID})
	log.Info("Starting restore")

	err = m.runRestore(ctx, driver, req, job.ArtifactID, log)
	duration := m.now().Sub(start)
	metrics.RestoreDuration.WithLabelValues(string(target.Engine), target.Database).Observe(duration.Seconds())
	if err != nil {
		if ctx.Err() != nil && !fault.Is(err, fault.CancelledByOperator) {
			err = fault.Wrap(fault.CancelledByOperator, "restore", err)
		}
		metrics.RestoreCount.WithLabelValues(string(target.Engine), target.Database, "error").Inc()
		return m.fail(ctx, job, err, log)
	}

	if err := job.Transition(ledger.StatusSucceeded, m.now()); err != nil {
		return job, err
	}
	if err := m.ledger.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		return job, fmt.Errorf("failed to record successful restore: %w", err)
	}
	metrics.RestoreCount.WithLabelValues(string(target.Engine), target.Database, "success").Inc()
	log.Infof("Restore completed in %v", duration.Round(time.Millisecond))
	return job, nil
}

func (m *Manager) runRestore(ctx context.Context, driver common.Driver, req RestoreRequest, id string, log *logrus.Entry) error {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Finalized {
		return fault.New(fault.ArtifactNotFinalized, "restore", "artifact %s is not finalized", id)
	}
	if a.Engine != req.Target.Engine {
		return fault.New(fault.UnsupportedEngine, "restore", "artifact %s holds a %s backup, target is %s", id, a.Engine, req.Target.Engine)
	}

	// First pass: the whole artifact must verify before the target is touched
	if err := m.verify(ctx, a); err != nil {
		return err
	}
	log.Debugf("Verified artifact (%s)", humanize.Bytes(uint64(a.Size)))

	release, err := m.locks.TryAcquire(req.Target.Key())
	if err != nil {
		return err
	}
	defer release()

	src, err := m.store.OpenSource(ctx, a.ID)
	if err != nil {
		return err
	}
	defer src.Close()

	r, err := artifact.NewReader(common.ContextReader(ctx, src))
	if err != nil {
		return err
	}
	defer r.Close()

	if err := driver.Restore(ctx, req.Target, req.Credentials, r); err != nil {
		return err
	}
	// Drivers may stop before EOF; the trailer is only checked there
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	if r.Checksum() != a.Checksum {
		return fault.New(fault.CorruptArtifact, "restore", "artifact %s changed while it was restored", a.ID)
	}
	return nil
}

// verify reads an artifact completely and checks it against its metadata
func (m *Manager) verify(ctx context.Context, a artifact.Artifact) error {
	src, err := m.store.OpenSource(ctx, a.ID)
	if err != nil {
		return err
	}
	defer src.Close()

	summary, err := artifact.Verify(common.ContextReader(ctx, src))
	if err != nil {
		return err
	}
	if summary.Checksum != a.Checksum || summary.Size != a.Size {
		return fault.New(fault.CorruptArtifact, "verify",
			"artifact %s holds %s (%d bytes), metadata says %s (%d bytes)",
			a.ID, summary.Checksum, summary.Size, a.Checksum, a.Size)
	}
	if summary.Header.Engine != a.Engine {
		return fault.New(fault.CorruptArtifact, "verify", "artifact %s header names engine %s, metadata says %s",
			a.ID, summary.Header.Engine, a.Engine)
	}
	return nil
}

// Verify checks the stored artifact id end to end without restoring it
func (m *Manager) Verify(ctx context.Context, id string) (artifact.Artifact, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return a, err
	}
	if !a.Finalized {
		return a, fault.New(fault.ArtifactNotFinalized, "verify", "artifact %s is not finalized", id)
	}
	return a, m.verify(ctx, a)
}
