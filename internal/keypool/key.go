package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// Key is one quota-bearing API credential with usage tracking. All mutation
// happens under the owning Pool's lock.
type Key struct {
	Secret string
	Alias  string

	Status             models.KeyStatus
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	RateLimitHits      int64
	ErrorCount         int64
	LastError          string
	LastUsed           *time.Time
	CooldownUntil      *time.Time
	DailyRequests      int64
	DailyReset         time.Time

	// recent request timestamps, pruned to the last hour
	requestTimestamps []time.Time
}

func newKey(secret, alias string, now time.Time) *Key {
	return &Key{
		Secret:     secret,
		Alias:      alias,
		Status:     models.KeyStatusActive,
		DailyReset: midnight(now),
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Hash returns a short digest of the secret, safe for logging.
func (k *Key) Hash() string {
	sum := sha256.Sum256([]byte(k.Secret))
	return hex.EncodeToString(sum[:])[:8]
}

// Usable reports whether the key can serve a request right now. It is a
// pure read; daily counter resets happen in Pool.Tick.
func (k *Key) Usable(now time.Time) bool {
	if k.Status != models.KeyStatusActive {
		return false
	}
	if k.CooldownUntil != nil && now.Before(*k.CooldownUntil) {
		return false
	}
	return true
}

// resetDaily zeroes the daily counter when the wall-clock date has advanced
// past the last reset. Idempotent within a day.
func (k *Key) resetDaily(now time.Time) {
	y1, m1, d1 := now.Date()
	y2, m2, d2 := k.DailyReset.Date()
	if y1 > y2 || (y1 == y2 && (m1 > m2 || (m1 == m2 && d1 > d2))) {
		k.DailyRequests = 0
		k.DailyReset = midnight(now)
	}
}

// recordOutcome updates counters after a request attempt. A failure
// classified as rate-related moves the key into cooldown regardless of its
// prior status.
func (k *Key) recordOutcome(now time.Time, err error, rateError bool, cooldown time.Duration) {
	k.TotalRequests++
	k.DailyRequests++
	used := now
	k.LastUsed = &used
	k.requestTimestamps = append(k.requestTimestamps, now)

	// Keep only the last hour of timestamps
	cutoff := now.Add(-time.Hour)
	idx := 0
	for idx < len(k.requestTimestamps) && !k.requestTimestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		k.requestTimestamps = append([]time.Time(nil), k.requestTimestamps[idx:]...)
	}

	if err == nil {
		k.SuccessfulRequests++
		return
	}

	k.FailedRequests++
	k.ErrorCount++
	k.LastError = err.Error()

	if rateError {
		k.RateLimitHits++
		k.Status = models.KeyStatusRateLimited
		until := now.Add(cooldown)
		k.CooldownUntil = &until
	}
}

// requestsThisMinute counts recent requests falling inside the current
// wall-clock minute bucket.
func (k *Key) requestsThisMinute(now time.Time) int {
	bucket := now.Truncate(time.Minute)
	count := 0
	for _, ts := range k.requestTimestamps {
		if ts.Truncate(time.Minute).Equal(bucket) {
			count++
		}
	}
	return count
}

func (k *Key) successRate() float64 {
	if k.TotalRequests == 0 {
		return 0
	}
	return float64(k.SuccessfulRequests) / float64(k.TotalRequests) * 100
}

// stats builds a snapshot of the key's state.
func (k *Key) stats(now time.Time) models.KeyStats {
	return models.KeyStats{
		Alias:              k.Alias,
		KeyHash:            k.Hash(),
		Status:             k.Status,
		TotalRequests:      k.TotalRequests,
		SuccessfulRequests: k.SuccessfulRequests,
		FailedRequests:     k.FailedRequests,
		SuccessRate:        k.successRate(),
		DailyRequests:      k.DailyRequests,
		RateLimitHits:      k.RateLimitHits,
		ErrorCount:         k.ErrorCount,
		LastUsed:           k.LastUsed,
		LastError:          k.LastError,
		Usable:             k.Usable(now),
	}
}
