package scheduler

import (
	"context"
	"time"

	"round-engine/internal/model"
	appErr "round-engine/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// StepRef names the step a round expects next.
type StepRef struct {
	Game    string `json:"game"`
	RoundID string `json:"roundId" binding:"required"`
	Seq     int64  `json:"seq" binding:"min=0"`
}

//go:generate mockgen -source=queue.go -destination=mock_handler_test.go -package=scheduler_test

// Handler executes due steps. OnScheduledStep must be idempotent per
// (roundID, expectedSeq).
type Handler interface {
	OnScheduledStep(ctx context.Context, roundID string, expectedSeq int64) error
	AbortRound(ctx context.Context, roundID, reason string) error
}

// Queue is the durable task table behind the scheduler.
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

func (q *Queue) ScheduleStep(ctx context.Context, ref StepRef, notBefore time.Time) error {
	return q.ScheduleStepTx(q.db.WithContext(ctx), ref, notBefore)
}

// ScheduleStepTx enqueues inside the caller's transaction so the next step
// only exists once the current step's effects commit. Re-enqueueing the
// same (round, seq) is a no-op.
func (q *Queue) ScheduleStepTx(tx *gorm.DB, ref StepRef, notBefore time.Time) error {
	if ref.RoundID == "" || ref.Seq < 0 {
		return appErr.ErrInvalidStep
	}
	task := model.ScheduledTask{
		Game:      ref.Game,
		RoundID:   ref.RoundID,
		Seq:       ref.Seq,
		NotBefore: notBefore,
		Status:    StatusPending,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "round_id"}, {Name: "seq"}},
		DoNothing: true,
	}).Create(&task).Error
	if err != nil {
		return appErr.Transient(err)
	}
	return nil
}

// reclaim returns expired leases to the pending set.
func (q *Queue) reclaim(ctx context.Context, now time.Time) (int64, error) {
	res := q.db.WithContext(ctx).
		Model(&model.ScheduledTask{}).
		Where("status = ? AND lease_until < ?", StatusRunning, now).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"lease_until": nil,
		})
	return res.RowsAffected, res.Error
}

// claimDue leases up to limit due tasks. Each claim is a conditional update
// so competing dispatchers never run the same task twice.
func (q *Queue) claimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.ScheduledTask, error) {
	var candidates []model.ScheduledTask
	if err := q.db.WithContext(ctx).
		Where("status = ? AND not_before <= ?", StatusPending, now).
		Order("not_before ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	claimed := make([]model.ScheduledTask, 0, len(candidates))
	for _, task := range candidates {
		res := q.db.WithContext(ctx).
			Model(&model.ScheduledTask{}).
			Where("id = ? AND status = ?", task.ID, StatusPending).
			Updates(map[string]interface{}{
				"status":      StatusRunning,
				"lease_until": leaseUntil,
				"attempts":    gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		task.Status = StatusRunning
		task.LeaseUntil = &leaseUntil
		task.Attempts++
		claimed = append(claimed, task)
	}
	return claimed, nil
}

// claimStep leases the task of one step for an external trigger. A finished
// or unknown step is stale; a leased or not yet due one is retried later.
func (q *Queue) claimStep(ctx context.Context, ref StepRef, now time.Time, lease time.Duration) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	if err := q.db.WithContext(ctx).
		Where("round_id = ? AND seq = ?", ref.RoundID, ref.Seq).
		Limit(1).
		Find(&task).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	switch {
	case task.ID == 0, task.Status == StatusDone, task.Status == StatusDead:
		return nil, appErr.ErrStaleStep
	case task.Status == StatusRunning:
		return nil, appErr.ErrStepBusy
	case task.NotBefore.After(now):
		return nil, appErr.ErrStepNotDue
	}

	leaseUntil := now.Add(lease)
	res := q.db.WithContext(ctx).
		Model(&model.ScheduledTask{}).
		Where("id = ? AND status = ?", task.ID, StatusPending).
		Updates(map[string]interface{}{
			"status":      StatusRunning,
			"lease_until": leaseUntil,
			"attempts":    gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, appErr.Transient(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, appErr.ErrStepBusy
	}
	task.Status = StatusRunning
	task.LeaseUntil = &leaseUntil
	task.Attempts++
	return &task, nil
}

func (q *Queue) finish(ctx context.Context, id int64, status, lastError string) error {
	return q.db.WithContext(ctx).
		Model(&model.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"lease_until": nil,
			"last_error":  truncate(lastError, 512),
		}).Error
}

func (q *Queue) retry(ctx context.Context, id int64, notBefore time.Time, lastError string) error {
	return q.db.WithContext(ctx).
		Model(&model.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"not_before":  notBefore,
			"lease_until": nil,
			"last_error":  truncate(lastError, 512),
		}).Error
}

// Pending lists the outstanding tasks of a round, oldest first.
func (q *Queue) Pending(ctx context.Context, roundID string) ([]model.ScheduledTask, error) {
	var tasks []model.ScheduledTask
	err := q.db.WithContext(ctx).
		Where("round_id = ? AND status IN ?", roundID, []string{StatusPending, StatusRunning}).
		Order("seq ASC").
		Find(&tasks).Error
	return tasks, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
