// Package monitor detects commission tasks that have stopped making
// progress and drives them through a bounded retry-or-fail transition.
// Without it, a crashed work executor, a lost cluster job, a failed
// dispatch or a silent network partition would wedge tasks in pending or
// in_progress forever.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/metrics"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

// Store is the slice of the task store the monitor uses.
type Store interface {
	ListByStatus(ctx context.Context, status tasks.Status) ([]*tasks.Task, error)
	ResetForRetry(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
}

// StatusUpdater is the orchestrator surface used for terminal failures, so
// the failure is persisted and broadcast through the one shared path.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, taskID string, status tasks.Status, upd tasks.StatusUpdate) error
}

// Submitter re-submits recovered tasks to the job dispatcher.
type Submitter interface {
	Submit(ctx context.Context, task *tasks.Task) (string, error)
}

// Refunder performs the compensating action when a task permanently fails,
// so the triggering donation is not silently lost.
type Refunder interface {
	Refund(ctx context.Context, donationID int64, reason string) error
}

// StuckTask is one entry of the administrative stuck report.
type StuckTask struct {
	Task     *tasks.Task   `json:"task"`
	StuckFor time.Duration `json:"stuck_for"`
}

// Monitor scans for stuck tasks. Cadence belongs to the caller: the daemon
// drives RunOnce from its cron schedule.
type Monitor struct {
	store          Store
	orch           StatusUpdater
	sub            Submitter
	refunder       Refunder
	defaultTimeout time.Duration
	log            zerolog.Logger
	now            func() time.Time
}

// New builds a monitor. refunder may be nil when no compensation channel is
// configured.
func New(st Store, orch StatusUpdater, sub Submitter, refunder Refunder,
	defaultTimeout time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:          st,
		orch:           orch,
		sub:            sub,
		refunder:       refunder,
		defaultTimeout: defaultTimeout,
		log:            log.With().Str("component", "monitor").Logger(),
		now:            time.Now,
	}
}

// RunOnce scans live tasks and recovers the stuck ones. in_progress tasks
// are judged by their liveness signals; pending tasks are judged by age,
// which catches dispatches that failed or cluster jobs lost before the
// worker ever claimed the task. Per-task errors are contained to that task;
// the scan always visits every candidate.
func (m *Monitor) RunOnce(ctx context.Context) error {
	live, err := m.listLive(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	for _, t := range live {
		stuckFor, stuck := m.stuckFor(t, now)
		if !stuck {
			continue
		}
		if err := m.recover(ctx, t, stuckFor); err != nil {
			m.log.Error().Err(err).Str("task_id", t.ID).Msg("recovery failed")
		}
	}
	return nil
}

// listLive returns every non-terminal task, pending first so never-started
// work is recovered before long-running work is judged.
func (m *Monitor) listLive(ctx context.Context) ([]*tasks.Task, error) {
	queued, err := m.store.ListByStatus(ctx, tasks.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	running, err := m.store.ListByStatus(ctx, tasks.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	return append(queued, running...), nil
}

// stuckFor measures how long the task has gone without a liveness signal.
// Preference order: last heartbeat, then start time, then creation time for
// tasks that never actually started.
func (m *Monitor) stuckFor(t *tasks.Task, now time.Time) (time.Duration, bool) {
	timeout := m.defaultTimeout
	if t.TimeoutSeconds > 0 {
		timeout = time.Duration(t.TimeoutSeconds) * time.Second
	}

	var ref time.Time
	switch {
	case t.LastHeartbeat != nil:
		ref = *t.LastHeartbeat
	case t.StartedAt != nil:
		ref = *t.StartedAt
	default:
		ref = t.CreatedAt
	}

	elapsed := now.Sub(ref)
	return elapsed, elapsed > timeout
}

// recover applies the bounded retry-or-fail policy to one stuck task.
func (m *Monitor) recover(ctx context.Context, t *tasks.Task, stuckFor time.Duration) error {
	if t.RetryCount >= t.MaxRetries {
		return m.failPermanently(ctx, t, stuckFor)
	}

	if err := m.store.ResetForRetry(ctx, t.ID); err != nil {
		return fmt.Errorf("reset %s: %w", t.ID, err)
	}

	fresh, err := m.store.GetTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", t.ID, err)
	}
	if _, err := m.sub.Submit(ctx, fresh); err != nil {
		// The row is back in pending; a later cycle will find it again
		// once it exceeds the never-started timeout.
		return fmt.Errorf("resubmit %s: %w", t.ID, err)
	}

	metrics.StuckTasksRecovered.WithLabelValues("retried").Inc()
	m.log.Warn().Str("task_id", t.ID).Dur("stuck_for", stuckFor).
		Int("retry", fresh.RetryCount).Int("max_retries", fresh.MaxRetries).
		Msg("stuck task reset and resubmitted")
	return nil
}

// failPermanently marks the task failed and invokes the compensating action.
// The refund fires only when this writer won the terminal transition, so a
// concurrent monitor instance cannot compensate the same task twice.
func (m *Monitor) failPermanently(ctx context.Context, t *tasks.Task, stuckFor time.Duration) error {
	reason := fmt.Sprintf("task stalled: no progress for %s after %d of %d retries",
		stuckFor.Round(time.Second), t.RetryCount, t.MaxRetries)

	if err := m.orch.UpdateStatus(ctx, t.ID, tasks.StatusFailed, tasks.StatusUpdate{Error: reason}); err != nil {
		return fmt.Errorf("fail %s: %w", t.ID, err)
	}

	metrics.StuckTasksRecovered.WithLabelValues("failed").Inc()
	m.log.Error().Str("task_id", t.ID).Int64("donation_id", t.DonationID).
		Msg("task permanently failed after exhausting retries")

	if m.refunder != nil && t.DonationID > 0 {
		if err := m.refunder.Refund(ctx, t.DonationID, reason); err != nil {
			m.log.Error().Err(err).Int64("donation_id", t.DonationID).Msg("refund signal failed")
		}
	}
	return nil
}

// Report returns the current stuck tasks without recovering them. Used by
// the administrative surface.
func (m *Monitor) Report(ctx context.Context) ([]StuckTask, error) {
	live, err := m.listLive(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var out []StuckTask
	for _, t := range live {
		if stuckFor, stuck := m.stuckFor(t, now); stuck {
			out = append(out, StuckTask{Task: t, StuckFor: stuckFor})
		}
	}
	return out, nil
}
