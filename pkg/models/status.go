package models

// RuleStatus reports headroom for one rate limit rule
type RuleStatus struct {
	Name          string `json:"name"`
	Limit         int    `json:"limit"`
	Used          int    `json:"used"`
	Remaining     int    `json:"remaining"`
	WindowSeconds int    `json:"window_seconds"`
}

// LimiterStatus reports the state of a window rate limiter
type LimiterStatus struct {
	TrackedEvents int          `json:"tracked_events"`
	Rules         []RuleStatus `json:"rules"`
}

// SchedulerStatus reports the admission scheduler's state
type SchedulerStatus struct {
	Sleeping            bool          `json:"sleeping"`
	QuietHours          string        `json:"quiet_hours"`
	MinuteLimit         LimiterStatus `json:"minute_limit"`
	DailyLimit          LimiterStatus `json:"daily_limit"`
	RequestDelaySeconds float64       `json:"request_delay_seconds"`
}
