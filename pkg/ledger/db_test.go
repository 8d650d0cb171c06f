package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockLedger(t *testing.T) (*DBLedger, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	l := NewDBLedger(db, testLogger())
	l.now = func() time.Time { return t0 }
	return l, mock
}

func jobRows(status string, attempt, maxAttempts int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "kind", "engine", "host", "database_name", "status", "attempt", "max_attempts"}).
		AddRow("job-1", "backup", "mysql", "db1", "shop", status, attempt, maxAttempts)
}

func TestDBLedgerCreateJob(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `backup_jobs`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	job := &Job{Kind: KindBackup, Target: target, Status: StatusRunning, Attempt: 1, MaxAttempts: 3}
	require.NoError(t, l.CreateJob(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, t0, job.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLedgerGetJob(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT \\* FROM `backup_jobs` WHERE id = \\?").WillReturnRows(jobRows("retrying", 2, 3))
	job, err := l.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, "mysql://db1:3306/shop", job.Target.Key())

	mock.ExpectQuery("SELECT \\* FROM `backup_jobs` WHERE id = \\?").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = l.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLedgerSaveJobLocksRow(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `backup_jobs` WHERE id = \\?.*FOR UPDATE").WillReturnRows(jobRows("running", 1, 3))
	mock.ExpectExec("UPDATE `backup_jobs` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &Job{ID: "job-1", Kind: KindBackup, Target: target, Status: StatusRunning, Attempt: 1, MaxAttempts: 3}
	require.NoError(t, job.Transition(StatusSucceeded, t0))
	require.NoError(t, l.SaveJob(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLedgerSaveJobRejectsIllegalTransition(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `backup_jobs` WHERE id = \\?.*FOR UPDATE").WillReturnRows(jobRows("succeeded", 1, 3))
	mock.ExpectRollback()

	job := &Job{ID: "job-1", Kind: KindBackup, Target: target, Status: StatusRunning, Attempt: 1, MaxAttempts: 3}
	err := l.SaveJob(context.Background(), job)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLedgerListJobsFilters(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT \\* FROM `backup_jobs` WHERE status = \\? ORDER BY created_at DESC, id DESC").
		WithArgs("retrying").
		WillReturnRows(jobRows("retrying", 1, 3))

	jobs, err := l.ListJobs(context.Background(), JobFilter{Status: StatusRetrying})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLedgerDeleteUnknownSchedule(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `schedule_definitions`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	assert.ErrorIs(t, l.DeleteSchedule(context.Background(), "nightly"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLedgerSaveScheduleDuplicateName(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `schedule_definitions` WHERE name = \\?").
		WithArgs("nightly").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))
	mock.ExpectRollback()

	err := l.SaveSchedule(context.Background(), &ScheduleDefinition{Name: "nightly", Target: target, Cron: "0 3 * * *"})
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.NoError(t, mock.ExpectationsWereMet())
}
