package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/fabric"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/store"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

type fakeStore struct {
	mu        sync.Mutex
	cfg       *tasks.ScheduleConfig
	donations int64
	runs      []time.Time
}

func (f *fakeStore) GetScheduleConfig(ctx context.Context) (*tasks.ScheduleConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg == nil {
		return nil, store.ErrNotFound
	}
	cp := *f.cfg
	return &cp, nil
}

func (f *fakeStore) SetScheduleRun(ctx context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, at)
	last := at
	next := at.Add(f.cfg.Interval())
	f.cfg.LastRunAt = &last
	f.cfg.NextRunAt = &next
	return nil
}

func (f *fakeStore) CreateDonation(ctx context.Context, d *tasks.Donation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.donations++
	return f.donations, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	attempts int
}

func (f *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.held == nil {
		f.held = map[string]bool{}
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) Unlock(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.held[key]
	delete(f.held, key)
	return was, nil
}

type fakeCreator struct {
	mu      sync.Mutex
	created int
}

func (f *fakeCreator) CreateTask(ctx context.Context, donationID int64, taskCtx json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "tsk_fake", nil
}

func (f *fakeCreator) Dispatch(ctx context.Context, taskID string) error { return nil }

type stubSelector struct{ subreddit string }

func (s stubSelector) Select(ctx context.Context) (string, error) { return s.subreddit, nil }

type stubValidator struct{ err error }

func (s stubValidator) Validate(ctx context.Context, subreddit string) error { return s.err }

func newTrigger(st Store, locks Locker, creator TaskCreator) *Trigger {
	return New(st, locks, creator, stubSelector{"earthporn"}, stubValidator{},
		5*time.Minute, zerolog.Nop())
}

func TestRunOnceDueCreatesAndAdvancesSchedule(t *testing.T) {
	now := time.Now()
	past := now.Add(-25 * time.Hour)
	fs := &fakeStore{cfg: &tasks.ScheduleConfig{Enabled: true, IntervalHours: 24, LastRunAt: &past}}
	creator := &fakeCreator{}
	tr := newTrigger(fs, &fakeLocker{}, creator)
	tr.now = func() time.Time { return now }

	if err := tr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if creator.created != 1 {
		t.Errorf("expected 1 commission created, got %d", creator.created)
	}
	if fs.cfg.LastRunAt == nil || !fs.cfg.LastRunAt.Equal(now) {
		t.Errorf("last_run not advanced to now: %v", fs.cfg.LastRunAt)
	}
	wantNext := now.Add(24 * time.Hour)
	if fs.cfg.NextRunAt == nil || !fs.cfg.NextRunAt.Equal(wantNext) {
		t.Errorf("next_run invariant broken: %v, want %s", fs.cfg.NextRunAt, wantNext)
	}
}

func TestRunOnceNotDueSkipsWithoutLocking(t *testing.T) {
	now := time.Now()
	recent := now.Add(-1 * time.Hour)
	fs := &fakeStore{cfg: &tasks.ScheduleConfig{Enabled: true, IntervalHours: 24, LastRunAt: &recent}}
	locks := &fakeLocker{}
	creator := &fakeCreator{}
	tr := newTrigger(fs, locks, creator)
	tr.now = func() time.Time { return now }

	if err := tr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if locks.attempts != 0 {
		t.Errorf("no lock should be attempted when not due, got %d attempts", locks.attempts)
	}
	if creator.created != 0 {
		t.Errorf("no task should be created, got %d", creator.created)
	}
}

func TestRunOnceDisabledOrUnconfiguredSkips(t *testing.T) {
	for name, fs := range map[string]*fakeStore{
		"unconfigured": {},
		"disabled":     {cfg: &tasks.ScheduleConfig{Enabled: false, IntervalHours: 24}},
	} {
		creator := &fakeCreator{}
		tr := newTrigger(fs, &fakeLocker{}, creator)
		if err := tr.RunOnce(context.Background()); err != nil {
			t.Errorf("%s: %v", name, err)
		}
		if creator.created != 0 {
			t.Errorf("%s: expected no creation, got %d", name, creator.created)
		}
	}
}

func TestRunOnceLockBusySkipsSilently(t *testing.T) {
	fs := &fakeStore{cfg: &tasks.ScheduleConfig{Enabled: true, IntervalHours: 24}}
	locks := &fakeLocker{}
	locks.TryLock(context.Background(), LockKey, time.Minute) // someone else holds it
	creator := &fakeCreator{}
	tr := newTrigger(fs, locks, creator)

	if err := tr.RunOnce(context.Background()); err != nil {
		t.Fatalf("lock-busy cycle must not error: %v", err)
	}
	if creator.created != 0 {
		t.Errorf("expected no creation while lock held elsewhere, got %d", creator.created)
	}
}

func TestRunOnceRechecksDueAfterLock(t *testing.T) {
	// Another instance advanced last_run between our due check and the
	// lock: the re-check must prevent a second commission.
	now := time.Now()
	past := now.Add(-25 * time.Hour)
	fs := &fakeStore{cfg: &tasks.ScheduleConfig{Enabled: true, IntervalHours: 24, LastRunAt: &past}}
	creator := &fakeCreator{}

	locks := &racingLocker{inner: &fakeLocker{}, onAcquire: func() {
		fs.SetScheduleRun(context.Background(), now)
	}}
	tr := newTrigger(fs, locks, creator)
	tr.now = func() time.Time { return now }

	if err := tr.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if creator.created != 0 {
		t.Errorf("re-check should have caught the race, got %d creations", creator.created)
	}
}

type racingLocker struct {
	inner     *fakeLocker
	onAcquire func()
}

func (r *racingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.inner.TryLock(ctx, key, ttl)
	if ok && r.onAcquire != nil {
		r.onAcquire()
	}
	return ok, err
}

func (r *racingLocker) Unlock(ctx context.Context, key string) (bool, error) {
	return r.inner.Unlock(ctx, key)
}

func TestExclusiveSchedulingAcrossInstances(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	now := time.Now()
	fs := &fakeStore{cfg: &tasks.ScheduleConfig{Enabled: true, IntervalHours: 24}}
	creator := &fakeCreator{}

	const instances = 6
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < instances; i++ {
		fab, err := fabric.Connect(context.Background(), fabric.Config{Addr: s.Addr()}, zerolog.Nop())
		if err != nil {
			t.Fatalf("connect instance %d: %v", i, err)
		}
		defer fab.Close()

		tr := newTrigger(fs, fab, creator)
		tr.now = func() time.Time { return now }

		wg.Add(1)
		go func(tr *Trigger) {
			defer wg.Done()
			<-start
			tr.RunOnce(context.Background())
		}(tr)
	}
	close(start)
	wg.Wait()

	if creator.created != 1 {
		t.Errorf("expected exactly one commission across %d instances, got %d", instances, creator.created)
	}
}

func TestRunManualSkipsDueCheckButHoldsLock(t *testing.T) {
	now := time.Now()
	recent := now.Add(-1 * time.Hour) // not due
	fs := &fakeStore{cfg: &tasks.ScheduleConfig{Enabled: true, IntervalHours: 24, LastRunAt: &recent}}
	locks := &fakeLocker{}
	creator := &fakeCreator{}
	tr := newTrigger(fs, locks, creator)
	tr.now = func() time.Time { return now }

	taskID, err := tr.RunManual(context.Background())
	if err != nil {
		t.Fatalf("manual run: %v", err)
	}
	if taskID == "" || creator.created != 1 {
		t.Errorf("manual run should create a commission even when not due")
	}
	if fs.cfg.LastRunAt == nil || !fs.cfg.LastRunAt.Equal(recent) {
		t.Error("manual run must not advance the automatic cadence")
	}

	// Lock held elsewhere: manual run reports busy.
	locks.TryLock(context.Background(), LockKey, time.Minute)
	if _, err := tr.RunManual(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestValidatorRejectionBlocksCreation(t *testing.T) {
	fs := &fakeStore{cfg: &tasks.ScheduleConfig{Enabled: true, IntervalHours: 24}}
	creator := &fakeCreator{}
	tr := New(fs, &fakeLocker{}, creator, stubSelector{"quarantined"},
		stubValidator{err: errors.New("subreddit not commissionable")},
		5*time.Minute, zerolog.Nop())

	if err := tr.RunOnce(context.Background()); err == nil {
		t.Fatal("expected validation error to surface")
	}
	if creator.created != 0 {
		t.Errorf("no task should be created after validation failure, got %d", creator.created)
	}
	if len(fs.runs) != 0 {
		t.Error("failed cycle must not advance the schedule")
	}
}
