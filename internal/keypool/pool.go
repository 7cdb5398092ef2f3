package keypool

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// Saver persists the canonical key records after add/remove
type Saver interface {
	Save(records []models.KeyRecord) error
}

// Options configures a Pool
type Options struct {
	Strategy     models.RotationStrategy
	DailyCap     int
	Cooldown     time.Duration
	AutoRecovery bool

	// Classifier decides whether a failure is a rate/quota rejection.
	// Nil means the default 429 / "rate limit" pattern match.
	Classifier func(error) bool
}

// Pool owns an ordered set of API keys and selects the next usable one per
// the configured rotation strategy. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	keys     []*Key
	cursor   int
	strategy models.RotationStrategy
	dailyCap int
	cooldown time.Duration
	autoRec  bool
	classify func(error) bool
	saver    Saver
	start    time.Time

	now func() time.Time
}

// New creates a pool from persisted key records. An empty record set is not
// an error: the pool starts degraded and Next returns nil, letting the
// caller shut down gracefully.
func New(records []models.KeyRecord, opts Options, saver Saver) *Pool {
	p := &Pool{
		strategy: opts.Strategy,
		dailyCap: opts.DailyCap,
		cooldown: opts.Cooldown,
		autoRec:  opts.AutoRecovery,
		classify: opts.Classifier,
		saver:    saver,
		now:      time.Now,
	}
	if p.strategy == "" {
		p.strategy = models.StrategyRoundRobin
	}
	if p.cooldown == 0 {
		p.cooldown = time.Hour
	}
	if p.classify == nil {
		p.classify = IsRateLimitError
	}
	p.start = p.now()

	for _, rec := range records {
		p.keys = append(p.keys, newKey(rec.Key, rec.Alias, p.start))
	}

	if len(p.keys) == 0 {
		log.Error().Msg("No API keys available, pool starts degraded")
	} else {
		log.Info().Int("keys", len(p.keys)).Str("strategy", string(p.strategy)).
			Msg("Key pool initialized")
	}
	return p
}

// IsRateLimitError is the default failure classifier: an embedded 429
// status or a "rate limit" message marks a rate/quota rejection.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "rate limit")
}

// Len returns the number of keys in the pool
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Next selects the next usable key per the rotation strategy. A nil return
// means no capacity right now, not a fatal condition.
func (p *Pool) Next() *Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return nil
	}

	now := p.now()
	usable := p.usableKeys(now)

	if len(usable) == 0 {
		log.Warn().Msg("No usable API keys, sweeping cooldowns")
		p.sweepCooldowns(now)
		usable = p.usableKeys(now)
		if len(usable) == 0 {
			return nil
		}
	}

	switch p.strategy {
	case models.StrategyLoadBalance:
		return p.loadBalance(usable, now)
	case models.StrategySmartRotate:
		return p.smartRotate(usable, now)
	default:
		return p.roundRobin(usable)
	}
}

func (p *Pool) usableKeys(now time.Time) []*Key {
	var usable []*Key
	for _, k := range p.keys {
		if k.Usable(now) {
			usable = append(usable, k)
		}
	}
	return usable
}

// roundRobin advances a cursor over the usable keys in pool order, skipping
// keys at the daily cap, wrapping to the start.
func (p *Pool) roundRobin(usable []*Key) *Key {
	for i := 0; i < len(usable); i++ {
		idx := (p.cursor + i) % len(usable)
		k := usable[idx]
		if int(k.DailyRequests) < p.dailyCap {
			p.cursor = (idx + 1) % len(usable)
			return k
		}
	}
	return usable[0]
}

// loadBalance picks the key with the fewest requests in the current minute
// among keys under the daily cap; if every key is at the cap, the one with
// the fewest daily requests.
func (p *Pool) loadBalance(usable []*Key, now time.Time) *Key {
	var underCap []*Key
	for _, k := range usable {
		if int(k.DailyRequests) < p.dailyCap {
			underCap = append(underCap, k)
		}
	}

	if len(underCap) == 0 {
		best := usable[0]
		for _, k := range usable[1:] {
			if k.DailyRequests < best.DailyRequests {
				best = k
			}
		}
		return best
	}

	best := underCap[0]
	bestCount := best.requestsThisMinute(now)
	for _, k := range underCap[1:] {
		if c := k.requestsThisMinute(now); c < bestCount {
			best, bestCount = k, c
		}
	}
	return best
}

// smartRotate scores every under-cap key and returns the highest scorer.
// Keys are compared only by their score projection; ties keep the first key
// in pool order so selection stays deterministic.
func (p *Pool) smartRotate(usable []*Key, now time.Time) *Key {
	var best *Key
	bestScore := 0.0

	for _, k := range usable {
		if int(k.DailyRequests) >= p.dailyCap {
			continue
		}

		score := -10 * float64(k.requestsThisMinute(now))

		if k.TotalRequests > 0 {
			score += k.successRate() * 0.1
		} else {
			score += 100 * 0.1
		}

		if k.LastUsed != nil {
			minutesSince := now.Sub(*k.LastUsed).Minutes()
			if minutesSince > 60 {
				minutesSince = 60
			}
			score += minutesSince * 0.5
		}

		score -= float64(k.ErrorCount) * 5

		if best == nil || score > bestScore {
			best, bestScore = k, score
		}
	}

	if best == nil {
		return usable[0]
	}
	return best
}

// RecordOutcome records a request attempt against a key. A failure the
// classifier marks as rate-related puts the key into cooldown.
func (p *Pool) RecordOutcome(key *Key, err error) {
	if key == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	rateError := err != nil && p.classify(err)
	key.recordOutcome(now, err, rateError, p.cooldown)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.ExtractionRequestsTotal.WithLabelValues(key.Alias, status).Inc()

	if rateError {
		metrics.RateLimitHitsTotal.WithLabelValues(key.Alias).Inc()
		log.Warn().
			Str("key_alias", key.Alias).
			Time("cooldown_until", *key.CooldownUntil).
			Msg("Key rate limited, entering cooldown")
	}
}

// sweepCooldowns reactivates rate-limited keys whose cooldown has elapsed.
// Caller holds the lock.
func (p *Pool) sweepCooldowns(now time.Time) {
	reset := 0
	for _, k := range p.keys {
		if k.Status == models.KeyStatusRateLimited &&
			k.CooldownUntil != nil && now.After(*k.CooldownUntil) {
			k.Status = models.KeyStatusActive
			k.CooldownUntil = nil
			reset++
			log.Info().Str("key_alias", k.Alias).Msg("Cooldown elapsed, key reactivated")
		}
	}
	if reset > 0 {
		log.Info().Int("count", reset).Msg("Reset cooldowns")
	}
}

// Tick performs the periodic state refresh: daily counter resets at the
// date boundary and, when auto-recovery is on, a cooldown sweep. Idempotent
// between boundaries.
func (p *Pool) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, k := range p.keys {
		k.resetDaily(now)
	}
	if p.autoRec {
		p.sweepCooldowns(now)
	}
}

// Add inserts a new key and persists the canonical records. Duplicate
// secrets are rejected.
func (p *Pool) Add(secret, alias string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if alias == "" {
		alias = fmt.Sprintf("key_%d", len(p.keys))
	}

	for _, existing := range p.keys {
		if existing.Secret == secret {
			return fmt.Errorf("key already exists with alias %s", existing.Alias)
		}
		if existing.Alias == alias {
			return fmt.Errorf("alias %s already in use", alias)
		}
	}

	p.keys = append(p.keys, newKey(secret, alias, p.now()))
	log.Info().Str("key_alias", alias).Msg("Added new key")
	return p.persist()
}

// Remove deletes the key with the given alias and persists the records.
func (p *Pool) Remove(alias string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, k := range p.keys {
		if k.Alias == alias {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			if p.cursor >= len(p.keys) {
				p.cursor = 0
			}
			log.Info().Str("key_alias", alias).Msg("Removed key")
			return p.persist()
		}
	}
	return fmt.Errorf("key %s not found", alias)
}

// Reset forces a key back to active, clearing its cooldown and error count.
func (p *Pool) Reset(alias string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys {
		if k.Alias == alias {
			k.Status = models.KeyStatusActive
			k.CooldownUntil = nil
			k.ErrorCount = 0
			log.Info().Str("key_alias", alias).Msg("Key reset to active")
			return nil
		}
	}
	return fmt.Errorf("key %s not found", alias)
}

// persist writes the canonical records through the saver. Caller holds the
// lock.
func (p *Pool) persist() error {
	if p.saver == nil {
		return nil
	}
	return p.saver.Save(p.records())
}

func (p *Pool) records() []models.KeyRecord {
	records := make([]models.KeyRecord, 0, len(p.keys))
	for _, k := range p.keys {
		records = append(records, models.KeyRecord{Key: k.Secret, Alias: k.Alias})
	}
	return records
}

// Monitor reports pool health and updates the key gauges.
func (p *Pool) Monitor() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := models.PoolStats{TotalKeys: len(p.keys)}
	for _, k := range p.keys {
		if k.Usable(now) {
			stats.ActiveKeys++
		}
		if k.Status == models.KeyStatusRateLimited {
			stats.RateLimitedKeys++
		}
		stats.TotalRequestsToday += k.DailyRequests
		stats.Keys = append(stats.Keys, k.stats(now))
	}

	metrics.KeysActive.Set(float64(stats.ActiveKeys))
	metrics.KeysRateLimited.Set(float64(stats.RateLimitedKeys))

	log.Info().
		Int("active", stats.ActiveKeys).
		Int("total", stats.TotalKeys).
		Int64("requests_today", stats.TotalRequestsToday).
		Msg("Key pool status")

	return stats
}

// Snapshot builds the persisted statistics report.
func (p *Pool) Snapshot() models.StatsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	snap := models.StatsSnapshot{
		LastUpdated: now,
		TotalKeys:   len(p.keys),
		UptimeHours: now.Sub(p.start).Hours(),
	}
	for _, k := range p.keys {
		snap.Keys = append(snap.Keys, k.stats(now))
		snap.TotalRequests += k.TotalRequests
		snap.SuccessfulRequests += k.SuccessfulRequests
	}
	return snap
}
