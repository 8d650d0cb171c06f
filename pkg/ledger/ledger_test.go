package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

var (
	t0     = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	target = common.DatabaseTarget{Engine: common.EngineMySQL, Host: "db1", Database: "shop"}
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusFailed, StatusRetrying, true},
		{StatusFailed, StatusFailedPermanently, true},
		{StatusRetrying, StatusRunning, true},
		{StatusRetrying, StatusCancelled, true},
		{StatusPending, StatusSucceeded, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailedPermanently, StatusRetrying, false},
		{StatusCancelled, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusRetrying, StatusSucceeded, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailedPermanently.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}

func TestRetryCycleIsBounded(t *testing.T) {
	job := &Job{Status: StatusRunning, Attempt: 1, MaxAttempts: 2}

	require.NoError(t, job.Transition(StatusFailed, t0))
	require.NoError(t, job.Transition(StatusRetrying, t0))
	require.NoError(t, job.Transition(StatusRunning, t0.Add(time.Minute)))
	assert.Equal(t, 2, job.Attempt)
	assert.Nil(t, job.FinishedAt)

	require.NoError(t, job.Transition(StatusFailed, t0.Add(2*time.Minute)))
	err := job.Transition(StatusRetrying, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrIllegalTransition)
	require.NoError(t, job.Transition(StatusFailedPermanently, t0.Add(2*time.Minute)))
	assert.True(t, job.Status.Terminal())
}

func TestFailRecordsKind(t *testing.T) {
	job := &Job{Status: StatusRunning, Attempt: 1, MaxAttempts: 3}
	require.NoError(t, job.Fail(fault.New(fault.ConnectionFailure, "backup", "dial tcp: refused"), t0))
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, fault.ConnectionFailure, job.ErrorKind)
	assert.Contains(t, job.LastError, "refused")
	require.NotNil(t, job.FinishedAt)

	cancelled := &Job{Status: StatusRunning}
	require.NoError(t, cancelled.Fail(context.Canceled, t0))
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, fault.CancelledByOperator, cancelled.ErrorKind)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("failed_permanently")
	require.NoError(t, err)
	assert.Equal(t, StatusFailedPermanently, s)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func newFileLedger(t *testing.T) *FileLedger {
	t.Helper()
	l, err := NewFileLedger(filepath.Join(t.TempDir(), "state", "ledger.json"), testLogger())
	require.NoError(t, err)
	l.now = func() time.Time { return t0 }
	return l
}

func TestFileLedgerJobLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newFileLedger(t)

	job := &Job{Kind: KindBackup, Target: target, Status: StatusRunning, Attempt: 1, MaxAttempts: 3}
	require.NoError(t, l.CreateJob(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, t0, job.CreatedAt)

	require.NoError(t, job.Transition(StatusSucceeded, t0.Add(time.Minute)))
	job.ArtifactID = "shop-mysql-20260301-030000-abcd1234"
	require.NoError(t, l.SaveJob(ctx, job))

	got, err := l.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, job.ArtifactID, got.ArtifactID)
	assert.Equal(t, target.Key(), got.Target.Key())

	// Reopening sees the same state
	reopened, err := NewFileLedger(l.path, testLogger())
	require.NoError(t, err)
	again, err := reopened.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, again.Status)
}

func TestFileLedgerHandlesShareOneFile(t *testing.T) {
	ctx := context.Background()
	first := newFileLedger(t)
	// a second handle on the same path behaves like another process
	second, err := NewFileLedger(first.path, testLogger())
	require.NoError(t, err)

	const perHandle = 100
	var wg sync.WaitGroup
	for _, l := range []*FileLedger{first, second} {
		for i := 0; i < perHandle; i++ {
			wg.Add(1)
			go func(l *FileLedger) {
				defer wg.Done()
				job := &Job{Kind: KindBackup, Target: target, Status: StatusRunning, Attempt: 1, MaxAttempts: 1}
				assert.NoError(t, l.CreateJob(ctx, job))
			}(l)
		}
	}
	wg.Wait()

	jobs, err := first.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2*perHandle)
	assert.FileExists(t, first.path+".lock")
}

func TestFileLedgerRejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	l := newFileLedger(t)

	job := &Job{Kind: KindBackup, Target: target, Status: StatusRunning, Attempt: 1, MaxAttempts: 1}
	require.NoError(t, l.CreateJob(ctx, job))

	failed := job.Clone()
	require.NoError(t, failed.Transition(StatusFailed, t0))
	require.NoError(t, l.SaveJob(ctx, failed))

	// Attempts exhausted
	retry := failed.Clone()
	retry.Status = StatusRetrying
	assert.ErrorIs(t, l.SaveJob(ctx, retry), ErrIllegalTransition)

	done := failed.Clone()
	require.NoError(t, done.Transition(StatusFailedPermanently, t0))
	require.NoError(t, l.SaveJob(ctx, done))

	// Terminal records cannot be rewritten
	assert.ErrorIs(t, l.SaveJob(ctx, done), ErrIllegalTransition)
	running := done.Clone()
	running.Status = StatusRunning
	assert.ErrorIs(t, l.SaveJob(ctx, running), ErrIllegalTransition)

	stored, err := l.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedPermanently, stored.Status)
}

func TestFileLedgerUnknownJob(t *testing.T) {
	ctx := context.Background()
	l := newFileLedger(t)

	_, err := l.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, l.SaveJob(ctx, &Job{ID: "missing", Status: StatusRunning}), ErrNotFound)
}

func TestFileLedgerListJobs(t *testing.T) {
	ctx := context.Background()
	l := newFileLedger(t)
	other := common.DatabaseTarget{Engine: common.EngineSQLite, Database: "/data/app.db"}

	for i, tc := range []struct {
		target common.DatabaseTarget
		status JobStatus
	}{
		{target, StatusRetrying},
		{other, StatusRunning},
		{target, StatusRunning},
	} {
		j := &Job{Kind: KindBackup, Target: tc.target, Status: tc.status, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, l.CreateJob(ctx, j))
	}

	all, err := l.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))
	assert.True(t, all[1].CreatedAt.After(all[2].CreatedAt))

	running, err := l.ListJobs(ctx, JobFilter{Status: StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	forTarget, err := l.ListJobs(ctx, JobFilter{TargetKey: target.Key(), Limit: 1})
	require.NoError(t, err)
	require.Len(t, forTarget, 1)
	assert.Equal(t, StatusRunning, forTarget[0].Status)
}

func TestFileLedgerSchedules(t *testing.T) {
	ctx := context.Background()
	l := newFileLedger(t)

	def := &ScheduleDefinition{Name: "nightly", Target: target, Cron: "0 3 * * *", Retention: 7, Enabled: true}
	require.NoError(t, l.SaveSchedule(ctx, def))
	assert.NotEmpty(t, def.ID)

	dup := &ScheduleDefinition{Name: "nightly", Target: target, Cron: "0 4 * * *"}
	assert.ErrorIs(t, l.SaveSchedule(ctx, dup), ErrDuplicateName)

	byName, err := l.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, def.ID, byName.ID)

	require.NoError(t, l.TouchSchedule(ctx, def.ID, t0.Add(time.Hour)))
	touched, err := l.GetSchedule(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, touched.LastEvaluatedAt)
	assert.Equal(t, t0.Add(time.Hour), *touched.LastEvaluatedAt)

	def.Cron = "30 3 * * *"
	require.NoError(t, l.SaveSchedule(ctx, def))
	list, err := l.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "30 3 * * *", list[0].Cron)

	require.NoError(t, l.DeleteSchedule(ctx, def.ID))
	assert.ErrorIs(t, l.DeleteSchedule(ctx, def.ID), ErrNotFound)
	assert.ErrorIs(t, l.TouchSchedule(ctx, def.ID, t0), ErrNotFound)
}
