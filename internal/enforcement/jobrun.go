package enforcement

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/pkg/db"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type JobRunStatus string

const (
	JobRunStatusRunning   JobRunStatus = "running"
	JobRunStatusSucceeded JobRunStatus = "succeeded"
	JobRunStatusFailed    JobRunStatus = "failed"
)

const enforcementJobName = "enforcement_cycle"

// JobRun records one enforcement cycle. A partial unique index on
// (job) WHERE status = 'running' keeps cycles from overlapping even across
// processes.
type JobRun struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Job             string       `gorm:"type:text;not null"`
	RunID           string       `gorm:"column:run_id;type:text;not null"`
	Status          JobRunStatus `gorm:"type:text;not null"`
	Trigger         string       `gorm:"column:triggered_by;type:text;not null"`
	StartedAt       time.Time    `gorm:"not null"`
	FinishedAt      *time.Time   `gorm:""`
	Warned          int          `gorm:"not null;default:0"`
	Checked         int          `gorm:"not null;default:0"`
	Enforced        int          `gorm:"not null;default:0"`
	Created         int          `gorm:"not null;default:0"`
	SkippedExisting int          `gorm:"not null;default:0"`
	Resolved        int          `gorm:"not null;default:0"`
	Errors          int          `gorm:"not null;default:0"`
	Error           string       `gorm:"type:text"`
}

func (JobRun) TableName() string { return "enforcement_job_runs" }

// beginJobRun claims the cycle guard. A concurrent holder yields
// ErrAlreadyRunning; a holder stuck past the recovery threshold is failed
// over first.
func (e *Enforcer) beginJobRun(ctx context.Context, trigger string) (*JobRun, error) {
	now := e.clock.Now()

	res := e.db.WithContext(ctx).Exec(`
		UPDATE enforcement_job_runs
		SET status = 'failed',
		    finished_at = ?,
		    error = 'stale run failed over'
		WHERE job = ?
		  AND status = 'running'
		  AND started_at <= ?
	`, now, enforcementJobName, now.Add(-e.cfg.RecoveryThreshold))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		e.log.Warn("enforcement.job_run.failed_over", zap.Int64("count", res.RowsAffected))
	}

	run := &JobRun{
		ID:        e.genID.Generate(),
		Job:       enforcementJobName,
		RunID:     ulid.Make().String(),
		Status:    JobRunStatusRunning,
		Trigger:   trigger,
		StartedAt: now,
	}
	err := e.db.WithContext(ctx).Exec(`
		INSERT INTO enforcement_job_runs
			(id, job, run_id, status, triggered_by, started_at,
			 warned, checked, enforced, created, skipped_existing, resolved, errors, error)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, 0, '')
	`, run.ID, run.Job, run.RunID, run.Status, run.Trigger, run.StartedAt).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	return run, nil
}

// finishJobRun releases the guard, recording the summary. Guarded by the
// running status so a failed-over row is not resurrected.
func (e *Enforcer) finishJobRun(ctx context.Context, run *JobRun, summary CycleSummary, runErr error) {
	status := JobRunStatusSucceeded
	errText := ""
	if runErr != nil {
		status = JobRunStatusFailed
		errText = runErr.Error()
	}
	now := e.clock.Now()

	res := e.db.WithContext(ctx).Exec(`
		UPDATE enforcement_job_runs
		SET status = ?,
		    finished_at = ?,
		    warned = ?,
		    checked = ?,
		    enforced = ?,
		    created = ?,
		    skipped_existing = ?,
		    resolved = ?,
		    errors = ?,
		    error = ?
		WHERE id = ? AND status = 'running'
	`, status, now,
		summary.Warned, summary.Checked, summary.Enforced,
		summary.Created, summary.SkippedExisting, summary.Resolved,
		summary.ErrorCount, errText, run.ID)
	if res.Error != nil {
		e.log.Error("enforcement.job_run.finish_failed",
			zap.String("run_id", run.RunID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		e.log.Warn("enforcement.job_run.already_failed_over", zap.String("run_id", run.RunID))
	}
}
