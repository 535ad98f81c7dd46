// Package executor defines the boundary to the opaque work that a commission
// task performs. The orchestration core treats execution as a single call
// that reports terminal success or failure and may emit progress callbacks
// along the way; what actually happens inside (fetching the post, generating
// the image, publishing the product) is the agent's business.
package executor

import (
	"context"
	"time"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

// ProgressFunc receives progress callbacks from a running executor.
// progress is 0-100, stage is a short machine tag, message is human-readable.
type ProgressFunc func(progress int, stage, message string)

// Executor performs the work of one commission task.
type Executor interface {
	Execute(ctx context.Context, task *tasks.Task, report ProgressFunc) error
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, task *tasks.Task, report ProgressFunc) error

func (f Func) Execute(ctx context.Context, task *tasks.Task, report ProgressFunc) error {
	return f(ctx, task, report)
}

// stage describes one step of the simulated pipeline.
type stage struct {
	progress int
	tag      string
	message  string
	delay    time.Duration
}

// Simulated walks the commission pipeline stages without doing real work,
// reporting progress like the production agent would. Used in development
// mode and in tests.
type Simulated struct {
	// StageDelay overrides the per-stage pause; zero keeps the default.
	StageDelay time.Duration
}

var simulatedStages = []stage{
	{10, "fetching_post", "Fetching post from subreddit", 200 * time.Millisecond},
	{40, "generating_image", "Generating commissioned artwork", 500 * time.Millisecond},
	{75, "creating_product", "Creating storefront product", 300 * time.Millisecond},
	{100, "done", "Commission complete", 0},
}

func (s *Simulated) Execute(ctx context.Context, task *tasks.Task, report ProgressFunc) error {
	for _, st := range simulatedStages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		report(st.progress, st.tag, st.message)

		delay := st.delay
		if s.StageDelay > 0 {
			delay = s.StageDelay
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}
