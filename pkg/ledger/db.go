package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/supporttools/GoDBGuard/pkg/config"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// jobRecord is the backup_jobs row of a Job
type jobRecord struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)"`
	Kind          string     `gorm:"type:varchar(16);not null"`
	Engine        string     `gorm:"type:varchar(16);not null"`
	Host          string     `gorm:"type:varchar(255)"`
	Port          int        `gorm:"not null;default:0"`
	DatabaseName  string     `gorm:"column:database_name;type:varchar(512);not null"`
	CredentialRef string     `gorm:"type:varchar(255)"`
	TargetKey     string     `gorm:"type:varchar(512);not null;index"`
	Status        string     `gorm:"type:varchar(32);not null;index"`
	ScheduleID    string     `gorm:"type:varchar(36);index"`
	ArtifactID    string     `gorm:"type:varchar(255)"`
	Attempt       int        `gorm:"not null"`
	MaxAttempts   int        `gorm:"not null"`
	LastError     string     `gorm:"type:text"`
	ErrorKind     string     `gorm:"type:varchar(64)"`
	BackoffNanos  int64      `gorm:"column:backoff_delay_ns;not null;default:0"`
	NextAttemptAt *time.Time `gorm:"index"`
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName specifies the table name for the jobRecord model
func (jobRecord) TableName() string {
	return "backup_jobs"
}

// scheduleRecord is the schedule_definitions row of a ScheduleDefinition
type scheduleRecord struct {
	ID              string `gorm:"primaryKey;type:varchar(36)"`
	Name            string `gorm:"type:varchar(100);not null;uniqueIndex"`
	Engine          string `gorm:"type:varchar(16);not null"`
	Host            string `gorm:"type:varchar(255)"`
	Port            int    `gorm:"not null;default:0"`
	DatabaseName    string `gorm:"column:database_name;type:varchar(512);not null"`
	CredentialRef   string `gorm:"type:varchar(255)"`
	CronExpression  string `gorm:"type:varchar(100);not null"`
	Retention       int    `gorm:"not null"`
	Enabled         bool   `gorm:"not null"`
	LastEvaluatedAt *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

// TableName specifies the table name for the scheduleRecord model
func (scheduleRecord) TableName() string {
	return "schedule_definitions"
}

func toJobRecord(j *Job) jobRecord {
	return jobRecord{
		ID:            j.ID,
		Kind:          string(j.Kind),
		Engine:        string(j.Target.Engine),
		Host:          j.Target.Host,
		Port:          j.Target.Port,
		DatabaseName:  j.Target.Database,
		CredentialRef: j.Target.CredentialRef,
		TargetKey:     j.Target.Key(),
		Status:        string(j.Status),
		ScheduleID:    j.ScheduleID,
		ArtifactID:    j.ArtifactID,
		Attempt:       j.Attempt,
		MaxAttempts:   j.MaxAttempts,
		LastError:     j.LastError,
		ErrorKind:     string(j.ErrorKind),
		BackoffNanos:  int64(j.BackoffDelay),
		NextAttemptAt: cloneTime(j.NextAttemptAt),
		StartedAt:     cloneTime(j.StartedAt),
		FinishedAt:    cloneTime(j.FinishedAt),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func (r jobRecord) job() *Job {
	return &Job{
		ID:   r.ID,
		Kind: JobKind(r.Kind),
		Target: common.DatabaseTarget{
			Engine:        common.EngineKind(r.Engine),
			Host:          r.Host,
			Port:          r.Port,
			Database:      r.DatabaseName,
			CredentialRef: r.CredentialRef,
		},
		Status:        JobStatus(r.Status),
		CreatedAt:     r.CreatedAt.UTC(),
		StartedAt:     utc(r.StartedAt),
		FinishedAt:    utc(r.FinishedAt),
		ArtifactID:    r.ArtifactID,
		Attempt:       r.Attempt,
		MaxAttempts:   r.MaxAttempts,
		LastError:     r.LastError,
		ErrorKind:     fault.Kind(r.ErrorKind),
		NextAttemptAt: utc(r.NextAttemptAt),
		BackoffDelay:  time.Duration(r.BackoffNanos),
		ScheduleID:    r.ScheduleID,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func toScheduleRecord(d *ScheduleDefinition) scheduleRecord {
	return scheduleRecord{
		ID:              d.ID,
		Name:            d.Name,
		Engine:          string(d.Target.Engine),
		Host:            d.Target.Host,
		Port:            d.Target.Port,
		DatabaseName:    d.Target.Database,
		CredentialRef:   d.Target.CredentialRef,
		CronExpression:  d.Cron,
		Retention:       d.Retention,
		Enabled:         d.Enabled,
		LastEvaluatedAt: cloneTime(d.LastEvaluatedAt),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func (r scheduleRecord) definition() *ScheduleDefinition {
	return &ScheduleDefinition{
		ID:   r.ID,
		Name: r.Name,
		Target: common.DatabaseTarget{
			Engine:        common.EngineKind(r.Engine),
			Host:          r.Host,
			Port:          r.Port,
			Database:      r.DatabaseName,
			CredentialRef: r.CredentialRef,
		},
		Cron:            r.CronExpression,
		Retention:       r.Retention,
		Enabled:         r.Enabled,
		LastEvaluatedAt: utc(r.LastEvaluatedAt),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// DBLedger stores the ledger in MySQL. Status changes run inside a
// transaction that locks the stored row.
type DBLedger struct {
	db  *gorm.DB
	log *logrus.Entry
	now func() time.Time
}

var _ Ledger = (*DBLedger)(nil)

// NewDBLedger wraps an open gorm connection
func NewDBLedger(db *gorm.DB, log *logrus.Entry) *DBLedger {
	return &DBLedger{db: db, log: log, now: time.Now}
}

// Connect opens the metadata database and, when enabled, migrates its tables
func Connect(cfg config.MetadataDBConfig, debug bool, log *logrus.Entry) (*DBLedger, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			log.Warnf("Invalid connection max lifetime '%s', using default 5m: %v", cfg.ConnMaxLifetime, err)
			lifetime = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(lifetime)
	}

	l := NewDBLedger(db, log)
	if cfg.AutoMigrate {
		log.Info("Running database migrations for ledger tables")
		if err := l.Migrate(); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}

	log.Infof("Connected to metadata database at %s:%d", cfg.Host, cfg.Port)
	return l, nil
}

// Migrate creates or updates the ledger tables
func (l *DBLedger) Migrate() error {
	if err := l.db.AutoMigrate(&jobRecord{}, &scheduleRecord{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

func (l *DBLedger) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := l.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	rec := toJobRecord(job)
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (l *DBLedger) SaveJob(ctx context.Context, job *Job) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = l.now().UTC()
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored jobRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", job.ID).First(&stored).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
			}
			return fmt.Errorf("failed to load job: %w", err)
		}
		if err := checkUpdate(stored.job(), job); err != nil {
			return err
		}
		rec := toJobRecord(job)
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
		return nil
	})
}

func (l *DBLedger) GetJob(ctx context.Context, id string) (*Job, error) {
	var rec jobRecord
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec.job(), nil
}

func (l *DBLedger) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	q := l.db.WithContext(ctx).Model(&jobRecord{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.TargetKey != "" {
		q = q.Where("target_key = ?", filter.TargetKey)
	}
	if filter.ScheduleID != "" {
		q = q.Where("schedule_id = ?", filter.ScheduleID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []jobRecord
	if err := q.Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*Job, len(recs))
	for i, r := range recs {
		jobs[i] = r.job()
	}
	return jobs, nil
}

func (l *DBLedger) SaveSchedule(ctx context.Context, def *ScheduleDefinition) error {
	now := l.now().UTC()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var clashes int64
		q := tx.Model(&scheduleRecord{}).Where("name = ?", def.Name)
		if def.ID != "" {
			q = q.Where("id <> ?", def.ID)
		}
		if err := q.Count(&clashes).Error; err != nil {
			return fmt.Errorf("failed to check schedule name: %w", err)
		}
		if clashes > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
		}

		if def.ID == "" {
			def.ID = uuid.New().String()
		}
		if def.CreatedAt.IsZero() {
			def.CreatedAt = now
		}
		def.UpdatedAt = now

		rec := toScheduleRecord(def)
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to save schedule: %w", err)
		}
		return nil
	})
}

func (l *DBLedger) GetSchedule(ctx context.Context, ref string) (*ScheduleDefinition, error) {
	for _, column := range []string{"id", "name"} {
		var rec scheduleRecord
		err := l.db.WithContext(ctx).Where(column+" = ?", ref).First(&rec).Error
		if err == nil {
			return rec.definition(), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to get schedule: %w", err)
		}
	}
	return nil, fmt.Errorf("schedule %s: %w", ref, ErrNotFound)
}

func (l *DBLedger) ListSchedules(ctx context.Context) ([]*ScheduleDefinition, error) {
	var recs []scheduleRecord
	if err := l.db.WithContext(ctx).Order("name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to get schedules: %w", err)
	}
	defs := make([]*ScheduleDefinition, len(recs))
	for i, r := range recs {
		defs[i] = r.definition()
	}
	return defs, nil
}

func (l *DBLedger) DeleteSchedule(ctx context.Context, id string) error {
	res := l.db.WithContext(ctx).Where("id = ? OR name = ?", id, id).Delete(&scheduleRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete schedule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (l *DBLedger) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	res := l.db.WithContext(ctx).Model(&scheduleRecord{}).Where("id = ?", id).Update("last_evaluated_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("failed to update schedule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the underlying connection pool
func (l *DBLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open returns the ledger backend selected by cfg
func Open(cfg *config.AppConfig, log *logrus.Entry) (Ledger, error) {
	switch cfg.Ledger.Driver {
	case "mysql":
		return Connect(cfg.MetadataDB, cfg.Debug, log)
	case "file", "":
		return NewFileLedger(cfg.Ledger.Path, log)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Ledger.Driver)
	}
}
