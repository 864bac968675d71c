// Package queue is a durable job queue stored in the relational database.
// Workers claim due jobs with SELECT ... FOR UPDATE SKIP LOCKED, so several
// processes can share one queue table.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 5 * time.Second
)

// ErrEmpty is returned by Claim when no job is due.
var ErrEmpty = errors.New("queue: no job due")

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("queue: job not found")

// ErrLeaseLost is returned when a worker reports on a job it no longer
// holds: the lease expired and the job was released or claimed again.
var ErrLeaseLost = errors.New("queue: job lease lost")

// ErrNotDead is returned by Requeue for jobs that are still pending,
// running or done.
var ErrNotDead = errors.New("queue: only dead jobs can be requeued")

// Options controls the retry policy of an enqueued job.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration // base of the exponential backoff
	Delay       time.Duration // initial delay before the first attempt
}

// Queue operates on the jobs table.
type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Queue backed by db.
func New(db *gorm.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// SetClock replaces the queue's time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// DB returns the underlying connection.
func (q *Queue) DB() *gorm.DB { return q.db }

// Enqueue stores a pending job carrying payload encoded as JSON.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts Options) (*models.Job, error) {
	return q.EnqueueTx(q.db.WithContext(ctx), name, payload, opts)
}

// EnqueueTx is Enqueue inside an existing transaction.
func (q *Queue) EnqueueTx(tx *gorm.DB, name string, payload any, opts Options) (*models.Job, error) {
	if name == "" {
		return nil, fmt.Errorf("queue: name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	job := models.Job{
		Queue:         name,
		Payload:       datatypes.JSON(data),
		Status:        StatusPending,
		MaxAttempts:   opts.MaxAttempts,
		BackoffBaseMs: opts.Backoff.Milliseconds(),
		RunAt:         q.now().Add(opts.Delay),
	}
	if err := tx.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", name, err)
	}
	return &job, nil
}

// Claim locks the oldest due job of the named queue for workerID and
// increments its attempt counter. It returns ErrEmpty when nothing is due.
//
// SQLite ignores the locking clause; the conditional update on status keeps
// two claimers from taking the same row there.
func (q *Queue) Claim(ctx context.Context, name, workerID string) (*models.Job, error) {
	var claimed models.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.now()
		result := tx.Where("queue = ? AND status = ? AND run_at <= ?", name, StatusPending, now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("run_at ASC, id ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("queue: find due job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrEmpty
		}

		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", claimed.ID, StatusPending).
			Updates(map[string]interface{}{
				"status":    StatusRunning,
				"locked_by": workerID,
				"locked_at": now,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("queue: claim job %d: %w", claimed.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrEmpty
		}
		claimed.Status = StatusRunning
		claimed.LockedBy = workerID
		claimed.LockedAt = &now
		claimed.Attempts++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// held scopes an update to the claim a worker holds on job.
func (q *Queue) held(ctx context.Context, job *models.Job) *gorm.DB {
	return q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, StatusRunning, job.LockedBy)
}

// Complete marks a claimed job done. It returns ErrLeaseLost when the
// caller no longer holds the job.
func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	res := q.held(ctx, job).Updates(map[string]interface{}{
		"status":     StatusDone,
		"locked_by":  "",
		"locked_at":  nil,
		"last_error": "",
	})
	if res.Error != nil {
		return fmt.Errorf("queue: complete job %d: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d held by %s", ErrLeaseLost, job.ID, job.LockedBy)
	}
	job.Status = StatusDone
	return nil
}

// Heartbeat renews the lease on a claimed job so ReleaseStale leaves it
// alone. It returns ErrLeaseLost when the caller no longer holds the job.
func (q *Queue) Heartbeat(ctx context.Context, job *models.Job) error {
	res := q.held(ctx, job).Update("locked_at", q.now())
	if res.Error != nil {
		return fmt.Errorf("queue: heartbeat job %d: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d held by %s", ErrLeaseLost, job.ID, job.LockedBy)
	}
	return nil
}

// Fail records cause against a claimed job. The job is rescheduled with
// exponential backoff unless cause is permanent or its attempts are used
// up, in which case it becomes dead and Fail reports dead=true.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) (dead bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	updates := map[string]interface{}{
		"locked_by":  "",
		"locked_at":  nil,
		"last_error": msg,
	}

	delay, exhausted := NextBackoff(time.Duration(job.BackoffBaseMs)*time.Millisecond, job.Attempts, job.MaxAttempts)
	if IsPermanent(cause) || exhausted {
		dead = true
		updates["status"] = StatusDead
	} else {
		updates["status"] = StatusPending
		updates["run_at"] = q.now().Add(delay)
	}

	res := q.held(ctx, job).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("queue: fail job %d: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("%w: job %d held by %s", ErrLeaseLost, job.ID, job.LockedBy)
	}
	job.Status = updates["status"].(string)
	job.LastError = msg
	return dead, nil
}

// NextBackoff returns the delay before the retry that follows attempt
// number attempts, doubling from base. exhausted is true once maxAttempts
// attempts have been made.
func NextBackoff(base time.Duration, attempts, maxAttempts int) (delay time.Duration, exhausted bool) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if base <= 0 {
		base = defaultBackoff
	}
	if attempts < 1 {
		attempts = 1
	}
	b := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewExponential(base))
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			return 0, true
		}
		delay = next
	}
	return delay, false
}

// Requeue makes a dead job due immediately with a fresh attempt budget. It
// is the manual recovery path for jobs without domain bookkeeping; pipeline
// stage jobs go through Pipeline.RequeueJob instead.
func (q *Queue) Requeue(ctx context.Context, id uint) error {
	res := q.db.WithContext(ctx).Model(&models.Job{}).Where("id = ? AND status = ?", id, StatusDead).Updates(map[string]interface{}{
		"status":     StatusPending,
		"attempts":   0,
		"run_at":     q.now(),
		"locked_by":  "",
		"locked_at":  nil,
		"last_error": "",
	})
	if res.Error != nil {
		return fmt.Errorf("queue: requeue job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %d is %s", ErrNotDead, id, job.Status)
	}
	return nil
}

// ReleaseStale returns running jobs whose lock is older than lease to
// pending, for workers that died mid-job. The attempt already counted
// stays counted.
func (q *Queue) ReleaseStale(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := q.now().Add(-lease)
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND locked_at < ?", StatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":    StatusPending,
			"locked_by": "",
			"locked_at": nil,
			"run_at":    q.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: release stale jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("queue: get job %d: %w", id, err)
	}
	return &job, nil
}

// List returns jobs filtered by status (all when empty), newest first.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]models.Job, error) {
	query := q.db.WithContext(ctx).Order("id DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var jobs []models.Job
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", err)
	}
	return jobs, nil
}

// Decode unmarshals a job payload into dst.
func Decode(job *models.Job, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return fmt.Errorf("queue: decode job %d payload: %w", job.ID, err)
	}
	return nil
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
