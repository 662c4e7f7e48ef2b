package domain

import "time"

// Schedule is a cron-style firing rule owned by a Job (at most one per job).
// NextFireAt is a cached value maintained by the scheduler.
type Schedule struct {
	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC
	Enabled        bool

	NextFireAt *time.Time
}
