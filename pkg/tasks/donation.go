package tasks

import "time"

// Donation is the triggering business entity for a commission task. The
// payment capture flow that produces it lives outside this service; rows are
// read here to denormalize donor-facing fields into progress messages, and
// written only by the scheduler's auto-commission path.
type Donation struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	AmountUSD   float64   `json:"amount_usd"`
	Subreddit   string    `json:"subreddit"`
	TierName    string    `json:"tier_name"`
	IsAnonymous bool      `json:"is_anonymous"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScheduleConfig is the singleton record controlling the periodic
// auto-commission trigger. Invariant: NextRunAt = LastRunAt + interval
// whenever LastRunAt is set.
type ScheduleConfig struct {
	Enabled       bool       `json:"enabled"`
	IntervalHours int        `json:"interval_hours"`
	LastRunAt     *time.Time `json:"last_run_at"`
	NextRunAt     *time.Time `json:"next_run_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Interval returns the configured run interval as a duration.
func (c *ScheduleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// Due reports whether an automatic commission should run at the given time.
// A config with no recorded run is always due.
func (c *ScheduleConfig) Due(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.LastRunAt == nil {
		return true
	}
	return !now.Before(c.LastRunAt.Add(c.Interval()))
}
