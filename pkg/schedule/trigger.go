// Package schedule runs the periodic auto-commission trigger. Any number of
// service instances may run the loop concurrently; the fabric lock
// guarantees at most one of them performs the commission-creation side
// effect per due interval.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/metrics"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/store"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

// LockKey names the fabric lock arbitrating the trigger across instances.
const LockKey = "commission:scheduler_lock"

// ErrBusy means another instance holds the scheduler lock right now.
var ErrBusy = errors.New("scheduler busy")

// autoCommissionAmount is the notional value recorded for a scheduled,
// system-originated commission.
const autoCommissionAmount = 1.0

// Store is the slice of the task store the trigger uses.
type Store interface {
	GetScheduleConfig(ctx context.Context) (*tasks.ScheduleConfig, error)
	SetScheduleRun(ctx context.Context, at time.Time) error
	CreateDonation(ctx context.Context, d *tasks.Donation) (int64, error)
}

// Locker is the mutual-exclusion side of the fabric.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) (bool, error)
}

// TaskCreator is the orchestrator surface the trigger drives.
type TaskCreator interface {
	CreateTask(ctx context.Context, donationID int64, taskCtx json.RawMessage) (string, error)
	Dispatch(ctx context.Context, taskID string) error
}

// SubredditSelector picks the target for an automatic commission. The
// selection policy lives outside this core.
type SubredditSelector interface {
	Select(ctx context.Context) (string, error)
}

// Validator vets the selected target before a commission is created.
type Validator interface {
	Validate(ctx context.Context, subreddit string) error
}

// Trigger performs scheduling cycles. Cadence belongs to the caller: the
// daemon drives RunOnce from its cron schedule.
type Trigger struct {
	store     Store
	locks     Locker
	creator   TaskCreator
	selector  SubredditSelector
	validator Validator
	lockTTL   time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// New builds a trigger with the given lock TTL.
func New(st Store, locks Locker, creator TaskCreator, selector SubredditSelector, validator Validator,
	lockTTL time.Duration, log zerolog.Logger) *Trigger {
	return &Trigger{
		store:     st,
		locks:     locks,
		creator:   creator,
		selector:  selector,
		validator: validator,
		lockTTL:   lockTTL,
		log:       log.With().Str("component", "schedule").Logger(),
		now:       time.Now,
	}
}

// RunOnce performs one scheduling cycle: due check, lock, re-check, create,
// advance the schedule. A cycle that loses the lock race skips silently.
func (t *Trigger) RunOnce(ctx context.Context) error {
	cfg, err := t.store.GetScheduleConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		metrics.SchedulerRuns.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("read schedule config: %w", err)
	}
	if !cfg.Due(t.now()) {
		metrics.SchedulerRuns.WithLabelValues("skipped").Inc()
		return nil
	}

	acquired, err := t.locks.TryLock(ctx, LockKey, t.lockTTL)
	if err != nil {
		// Exclusion unavailable: skip the cycle rather than run unlocked.
		t.log.Warn().Err(err).Msg("lock fabric unreachable, skipping cycle")
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return nil
	}
	if !acquired {
		metrics.SchedulerRuns.WithLabelValues("lock_busy").Inc()
		return nil
	}
	defer func() {
		if _, err := t.locks.Unlock(context.WithoutCancel(ctx), LockKey); err != nil {
			t.log.Warn().Err(err).Msg("lock release failed, TTL will clear it")
		}
	}()

	// Another instance may have run between our due check and the lock.
	cfg, err = t.store.GetScheduleConfig(ctx)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("re-read schedule config: %w", err)
	}
	if !cfg.Due(t.now()) {
		metrics.SchedulerRuns.WithLabelValues("skipped").Inc()
		return nil
	}

	if _, err := t.runCommission(ctx); err != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return err
	}

	if err := t.store.SetScheduleRun(ctx, t.now()); err != nil {
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("record schedule run: %w", err)
	}
	metrics.SchedulerRuns.WithLabelValues("ran").Inc()
	return nil
}

// RunManual performs one commission creation immediately, skipping the
// due-ness check but still honoring the lock so it cannot overlap with a
// concurrently running automatic cycle. The schedule cadence is untouched.
func (t *Trigger) RunManual(ctx context.Context) (string, error) {
	acquired, err := t.locks.TryLock(ctx, LockKey, t.lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !acquired {
		return "", ErrBusy
	}
	defer func() {
		if _, err := t.locks.Unlock(context.WithoutCancel(ctx), LockKey); err != nil {
			t.log.Warn().Err(err).Msg("lock release failed, TTL will clear it")
		}
	}()

	return t.runCommission(ctx)
}

// runCommission selects and validates a target, creates the donation row and
// drives it through the orchestrator. Dispatch failure is tolerated: the
// task row exists and the stuck-task monitor will pick it up.
func (t *Trigger) runCommission(ctx context.Context) (string, error) {
	subreddit, err := t.selector.Select(ctx)
	if err != nil {
		return "", fmt.Errorf("select subreddit: %w", err)
	}
	if err := t.validator.Validate(ctx, subreddit); err != nil {
		return "", fmt.Errorf("validate subreddit %s: %w", subreddit, err)
	}

	donationID, err := t.store.CreateDonation(ctx, &tasks.Donation{
		Username:    "Anonymous",
		AmountUSD:   autoCommissionAmount,
		Subreddit:   subreddit,
		TierName:    "auto",
		IsAnonymous: true,
	})
	if err != nil {
		return "", fmt.Errorf("create auto-commission donation: %w", err)
	}

	taskCtx, _ := json.Marshal(map[string]interface{}{
		"subreddit": subreddit,
		"source":    "scheduled",
	})
	taskID, err := t.creator.CreateTask(ctx, donationID, taskCtx)
	if err != nil {
		return "", fmt.Errorf("create scheduled task: %w", err)
	}

	if err := t.creator.Dispatch(ctx, taskID); err != nil {
		t.log.Warn().Err(err).Str("task_id", taskID).Msg("dispatch failed, monitor will recover the task")
	}

	t.log.Info().Str("task_id", taskID).Str("subreddit", subreddit).Msg("auto-commission created")
	return taskID, nil
}
