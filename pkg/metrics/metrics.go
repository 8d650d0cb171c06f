// Package metrics provides Prometheus metrics for backup and restore sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	// BackupCount tracks backup sessions by outcome
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_backup_total",
		Help: "The total number of backup sessions run",
	}, []string{"engine", "database", "status"})

	// BackupDuration measures time taken by a backup session
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "godbguard_backup_duration_seconds",
		Help:    "Time taken to perform a backup session",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine", "database"})

	// BackupSize tracks the raw size of the last finalized artifact
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godbguard_backup_size_bytes",
		Help: "Raw size of the last finalized artifact in bytes",
	}, []string{"engine", "database", "storage"})

	// RestoreCount tracks restore sessions by outcome
	RestoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_restore_total",
		Help: "The total number of restore sessions run",
	}, []string{"engine", "database", "status"})

	// RestoreDuration measures time taken by a restore session
	RestoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "godbguard_restore_duration_seconds",
		Help:    "Time taken to perform a restore session",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine", "database"})

	// BackupRetentionDeletes counts artifacts deleted by retention policy
	BackupRetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_retention_deletions_total",
		Help: "The total number of artifacts deleted by retention policy",
	}, []string{"target", "storage"})

	// OrphansCollected counts non-finalized artifacts removed by maintenance
	OrphansCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_orphans_collected_total",
		Help: "The total number of orphaned artifacts removed",
	}, []string{"storage"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godbguard_backup_last_success_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"engine", "database"})

	// ActiveSessions is the number of sessions currently holding a target lock
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "godbguard_active_sessions",
		Help: "Number of backup and restore sessions in progress",
	})

	// DeferredDispatches counts due work pushed back because the worker pool was full
	DeferredDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_scheduler_deferred_total",
		Help: "Due schedules or retries deferred because the worker pool was saturated",
	}, []string{"kind"})

	// RetryDecisions counts retry policy outcomes
	RetryDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_scheduler_retry_decisions_total",
		Help: "Outcomes of the retry policy applied to failed scheduled jobs",
	}, []string{"decision", "error_kind"})

	// SkippedFires counts schedule fires dropped because the target stayed busy
	SkippedFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_scheduler_skipped_fires_total",
		Help: "Schedule fires skipped because the target was busy",
	}, []string{"schedule"})

	// S3UploadDuration measures time taken to stream an artifact to S3
	S3UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "godbguard_s3_upload_duration_seconds",
		Help:    "Time taken to stream an artifact to S3",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine", "database"})

	// S3UploadCount tracks S3 uploads by outcome
	S3UploadCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godbguard_s3_upload_total",
		Help: "The total number of S3 uploads performed",
	}, []string{"engine", "database", "status"})
)
