// Package orchestrator is the façade over commission task lifecycle: it
// creates and deduplicates tasks, hands them to the dispatcher, persists
// status changes, and pushes progress messages onto the broadcast fabric.
package orchestrator

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

// ErrMissingTrigger rejects task creation without a triggering donation.
var ErrMissingTrigger = errors.New("missing trigger entity id")

// ErrNoDispatcher is returned by Dispatch before a dispatcher is bound.
var ErrNoDispatcher = errors.New("no dispatcher bound")

// Store is the slice of the task store the orchestrator uses.
type Store interface {
	CreateTask(ctx context.Context, t *tasks.Task) (*tasks.Task, error)
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	GetTaskByDonation(ctx context.Context, donationID int64) (*tasks.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status tasks.Status, errMsg string) error
	MarkStarted(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
	GetDonation(ctx context.Context, id int64) (*tasks.Donation, error)
}

// Publisher is the broadcast side of the fabric.
type Publisher interface {
	Publish(ctx context.Context, channel string, v interface{}) error
}

// Submitter starts the work executor for a task somewhere.
type Submitter interface {
	Submit(ctx context.Context, task *tasks.Task) (string, error)
}

// Orchestrator coordinates the task store, the dispatcher and the fabric.
type Orchestrator struct {
	store Store
	pub   Publisher
	sub   Submitter
	log   zerolog.Logger
	now   func() time.Time
}

// New builds an orchestrator. The dispatcher is bound afterwards with
// BindSubmitter because it reports status changes back through this type.
func New(st Store, pub Publisher, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store: st,
		pub:   pub,
		log:   log.With().Str("component", "orchestrator").Logger(),
		now:   time.Now,
	}
}

// BindSubmitter attaches the dispatcher. Must be called before Dispatch.
func (o *Orchestrator) BindSubmitter(sub Submitter) {
	o.sub = sub
}

// CreateTask creates a pending task for the donation, or returns the id of
// the existing non-terminal one. Repeated calls with the same donation id
// are no-ops returning the same id, which guards against duplicate triggers
// such as webhook retries.
func (o *Orchestrator) CreateTask(ctx context.Context, donationID int64, taskCtx json.RawMessage) (string, error) {
	if donationID <= 0 {
		return "", ErrMissingTrigger
	}

	existing, err := o.store.GetTaskByDonation(ctx, donationID)
	if err == nil {
		o.log.Debug().Int64("donation_id", donationID).Str("task_id", existing.ID).
			Msg("duplicate trigger, returning existing task")
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("lookup task for donation %d: %w", donationID, err)
	}

	created, err := o.store.CreateTask(ctx, &tasks.Task{
		Kind:       tasks.KindCommission,
		DonationID: donationID,
		Context:    taskCtx,
	})
	if err != nil {
		return "", fmt.Errorf("create task for donation %d: %w", donationID, err)
	}

	metrics.TasksCreated.WithLabelValues(created.Kind).Inc()
	o.log.Info().Int64("donation_id", donationID).Str("task_id", created.ID).Msg("task created")
	return created.ID, nil
}

// Dispatch asks the dispatcher to start the work executor for the task and
// returns without waiting for completion. A failed dispatch leaves the task
// row untouched; the stuck-task monitor will recover it later.
func (o *Orchestrator) Dispatch(ctx context.Context, taskID string) error {
	if o.sub == nil {
		return ErrNoDispatcher
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", taskID, err)
	}
	if _, err := o.sub.Submit(ctx, task); err != nil {
		return fmt.Errorf("dispatch %s: %w", taskID, err)
	}
	return nil
}

// UpdateStatus persists the status change, then publishes an enriched
// progress message on the task-updates channel. Persistence always wins:
// a broadcast failure is logged and swallowed, never failing the update.
func (o *Orchestrator) UpdateStatus(ctx context.Context, taskID string, status tasks.Status, upd tasks.StatusUpdate) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("update status %s: %w", taskID, err)
	}

	if err := o.store.UpdateTaskStatus(ctx, taskID, status, upd.Error); err != nil {
		return err
	}

	if status == tasks.StatusInProgress {
		if task.StartedAt == nil {
			if err := o.store.MarkStarted(ctx, taskID); err != nil {
				o.log.Error().Err(err).Str("task_id", taskID).Msg("mark started failed")
			}
		} else if err := o.store.Heartbeat(ctx, taskID); err != nil {
			o.log.Error().Err(err).Str("task_id", taskID).Msg("heartbeat failed")
		}
	}

	if status.Terminal() {
		metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	}

	o.publishUpdate(ctx, task, status, upd)
	return nil
}

// publishUpdate builds the denormalized progress message and fires it at the
// fabric. Best effort only.
func (o *Orchestrator) publishUpdate(ctx context.Context, task *tasks.Task, status tasks.Status, upd tasks.StatusUpdate) {
	now := o.now().UTC()
	data := map[string]interface{}{
		"status":   string(status),
		"progress": upd.Progress,
		"stage":    upd.Stage,
		"message":  upd.Message,
	}
	if upd.Error != "" {
		data["error"] = upd.Error
	}
	if status.Terminal() {
		data["completed_at"] = now.Format(time.RFC3339)
	}

	if task.DonationID > 0 {
		if d, err := o.store.GetDonation(ctx, task.DonationID); err == nil {
			data["username"] = d.Username
			data["amount_usd"] = d.AmountUSD
			data["subreddit"] = d.Subreddit
			data["is_anonymous"] = d.IsAnonymous
			data["tier_name"] = d.TierName
		} else {
			o.log.Debug().Err(err).Int64("donation_id", task.DonationID).Msg("donation lookup for progress message failed")
		}
	}

	msg := tasks.NewTaskUpdate(task.ID, data, now)
	if err := o.pub.Publish(ctx, tasks.ChannelTaskUpdates, msg); err != nil {
		o.log.Warn().Err(err).Str("task_id", task.ID).Msg("broadcast unavailable, progress message dropped")
	}
}
