package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// Rule is one sliding-window constraint: at most Limit events per Window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (r Rule) String() string {
	return fmt.Sprintf("%s (%d per %s)", r.Name, r.Limit, r.Window)
}

// Limiter enforces one or more sliding-window rules over a shared event
// history. An event is admitted only if every rule has headroom. Safe for
// concurrent callers: check and record happen in one critical section.
type Limiter struct {
	mu     sync.Mutex
	rules  []Rule
	events []time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewLimiter creates a limiter over the given rules. An empty rule set
// always admits.
func NewLimiter(rules ...Rule) *Limiter {
	return &Limiter{
		rules: rules,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// SetClock overrides the limiter's time source and sleep function.
// Intended for tests.
func (l *Limiter) SetClock(now func() time.Time, sleep func(time.Duration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.sleep = sleep
}

// TryAcquire reports whether an event may proceed right now and, if so,
// records it.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if rule, ok := l.saturated(now); ok {
		log.Warn().Str("rule", rule.Name).Msg("Rate limit exceeded")
		return false
	}

	l.events = append(l.events, now)
	return true
}

// Acquire blocks until an event may proceed, then records it. The wait is
// the time until the oldest event inside the saturated rule's window
// expires; the check is then retried to handle concurrent arrivals.
func (l *Limiter) Acquire() {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		rule, ok := l.saturated(now)
		if !ok {
			l.events = append(l.events, now)
			l.mu.Unlock()
			return
		}

		wait := l.waitFor(rule, now)
		l.mu.Unlock()

		log.Warn().
			Str("rule", rule.Name).
			Dur("wait", wait).
			Msg("Rate limit exceeded, waiting")
		l.sleep(wait)
	}
}

// WouldAdmit reports whether an event would be admitted without recording
// anything.
func (l *Limiter) WouldAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	_, saturated := l.saturated(now)
	return !saturated
}

// NextAvailable returns how long until an event would be admitted. Zero
// means an event would be admitted now.
func (l *Limiter) NextAvailable() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	var max time.Duration
	for _, rule := range l.rules {
		if l.countInWindow(rule, now) >= rule.Limit {
			if wait := l.waitFor(rule, now); wait > max {
				max = wait
			}
		}
	}
	return max
}

// Status returns a snapshot of headroom for every rule.
func (l *Limiter) Status() models.LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	status := models.LimiterStatus{TrackedEvents: len(l.events)}
	for _, rule := range l.rules {
		used := l.countInWindow(rule, now)
		status.Rules = append(status.Rules, models.RuleStatus{
			Name:          rule.Name,
			Limit:         rule.Limit,
			Used:          used,
			Remaining:     rule.Limit - used,
			WindowSeconds: int(rule.Window.Seconds()),
		})
	}
	return status
}

// saturated returns the first rule without headroom, if any. Caller holds
// the lock.
func (l *Limiter) saturated(now time.Time) (Rule, bool) {
	for _, rule := range l.rules {
		if l.countInWindow(rule, now) >= rule.Limit {
			return rule, true
		}
	}
	return Rule{}, false
}

func (l *Limiter) countInWindow(rule Rule, now time.Time) int {
	windowStart := now.Add(-rule.Window)
	count := 0
	for _, ts := range l.events {
		if ts.After(windowStart) {
			count++
		}
	}
	return count
}

// waitFor computes the time until the oldest event inside the rule's window
// leaves it. Caller holds the lock; the rule is saturated so at least one
// event is inside the window.
func (l *Limiter) waitFor(rule Rule, now time.Time) time.Duration {
	windowStart := now.Add(-rule.Window)
	for _, ts := range l.events {
		if ts.After(windowStart) {
			wait := ts.Add(rule.Window).Sub(now)
			if wait < 10*time.Millisecond {
				wait = 10 * time.Millisecond
			}
			return wait
		}
	}
	return 10 * time.Millisecond
}

// prune drops events older than the widest window so the history stays
// bounded and every rule counts correctly in one pass. Caller holds the
// lock.
func (l *Limiter) prune(now time.Time) {
	if len(l.rules) == 0 {
		l.events = nil
		return
	}

	var widest time.Duration
	for _, rule := range l.rules {
		if rule.Window > widest {
			widest = rule.Window
		}
	}

	cutoff := now.Add(-widest)
	idx := 0
	for idx < len(l.events) && !l.events[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.events = append([]time.Time(nil), l.events[idx:]...)
	}
}
