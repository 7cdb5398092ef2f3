package models

import "time"

// KeyStatus represents the health state of an API key
type KeyStatus string

const (
	KeyStatusActive        KeyStatus = "active"
	KeyStatusRateLimited   KeyStatus = "rate_limited"
	KeyStatusQuotaExceeded KeyStatus = "quota_exceeded"
	KeyStatusError         KeyStatus = "error"
	KeyStatusInactive      KeyStatus = "inactive"
)

// RotationStrategy selects which usable key serves the next request
type RotationStrategy string

const (
	StrategyRoundRobin  RotationStrategy = "round_robin"
	StrategyLoadBalance RotationStrategy = "load_balance"
	StrategySmartRotate RotationStrategy = "smart_rotate"
)

// KeyStats is a point-in-time view of a single key's usage
type KeyStats struct {
	Alias              string     `json:"alias"`
	KeyHash            string     `json:"key_hash"`
	Status             KeyStatus  `json:"status"`
	TotalRequests      int64      `json:"total_requests"`
	SuccessfulRequests int64      `json:"successful_requests"`
	FailedRequests     int64      `json:"failed_requests"`
	SuccessRate        float64    `json:"success_rate"`
	DailyRequests      int64      `json:"daily_requests"`
	RateLimitHits      int64      `json:"rate_limit_hits"`
	ErrorCount         int64      `json:"error_count"`
	LastUsed           *time.Time `json:"last_used,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	Usable             bool       `json:"usable"`
}

// PoolStats aggregates key health for monitoring output
type PoolStats struct {
	TotalKeys          int        `json:"total_keys"`
	ActiveKeys         int        `json:"active_keys"`
	RateLimitedKeys    int        `json:"rate_limited_keys"`
	TotalRequestsToday int64      `json:"total_requests_today"`
	Keys               []KeyStats `json:"keys"`
}

// StatsSnapshot is the persisted statistics report
type StatsSnapshot struct {
	LastUpdated        time.Time  `json:"last_updated"`
	TotalKeys          int        `json:"total_keys"`
	Keys               []KeyStats `json:"keys"`
	TotalRequests      int64      `json:"total_requests"`
	SuccessfulRequests int64      `json:"successful_requests"`
	UptimeHours        float64    `json:"uptime_hours"`
}

// KeyRecord is the canonical persisted form of a key. Runtime statistics
// are never written alongside the secret.
type KeyRecord struct {
	Key   string `json:"key"`
	Alias string `json:"alias"`
}
