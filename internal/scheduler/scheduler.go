package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/ratelimit"
	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// Denial reasons recorded on the admission metrics
const (
	reasonQuietHours  = "quiet_hours"
	reasonMinuteLimit = "minute_limit"
	reasonDailyLimit  = "daily_limit"
)

// Scheduler gates the pipeline: it composes the per-minute and per-day
// window limiters with a quiet-hours policy and paces inter-request
// spacing.
type Scheduler struct {
	minute *ratelimit.Limiter
	day    *ratelimit.Limiter

	quietStart   int
	quietEnd     int
	enforceQuiet bool
	delay        time.Duration
	poll         time.Duration
	maxRetries   int

	mu       sync.Mutex
	sleeping bool

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a scheduler from the schedule and rate limit configuration.
func New(sched config.ScheduleConfig, rl config.RateLimitConfig) *Scheduler {
	s := &Scheduler{
		minute: ratelimit.NewLimiter(ratelimit.Rule{
			Name:   "requests_per_minute",
			Limit:  rl.RequestsPerMinute,
			Window: time.Minute,
		}),
		day: ratelimit.NewLimiter(ratelimit.Rule{
			Name:   "requests_per_day",
			Limit:  rl.RequestsPerDay,
			Window: 24 * time.Hour,
		}),
		quietStart:   sched.QuietStartHour,
		quietEnd:     sched.QuietEndHour,
		enforceQuiet: !sched.ProcessDuringQuiet,
		delay:        rl.RequestDelay(),
		poll:         sched.PollInterval(),
		maxRetries:   sched.MaxMinuteRetries,
		now:          time.Now,
		sleep:        time.Sleep,
	}

	log.Info().
		Int("rpm", rl.RequestsPerMinute).
		Int("rpd", rl.RequestsPerDay).
		Dur("delay", s.delay).
		Msg("Admission scheduler initialized")
	return s
}

// ShouldProcess reports whether a request may be sent right now. A true
// result records exactly one admission event on each window limiter. When
// the minute window is saturated the check waits for it to roll and
// retries, bounded by the configured retry count; the daily window is a
// hard stop.
func (s *Scheduler) ShouldProcess() bool {
	for attempt := 0; ; attempt++ {
		if s.inQuietHours() {
			metrics.AdmissionDenialsTotal.WithLabelValues(reasonQuietHours).Inc()
			return false
		}

		if s.minute.TryAcquire() {
			break
		}

		if attempt >= s.maxRetries {
			log.Warn().Int("retries", attempt).Msg("Minute rate limit retries exhausted")
			metrics.AdmissionDenialsTotal.WithLabelValues(reasonMinuteLimit).Inc()
			return false
		}

		wait := s.minute.NextAvailable()
		log.Info().Dur("wait", wait).Msg("Minute rate limit reached, waiting")
		s.sleep(wait)
	}

	if !s.day.TryAcquire() {
		log.Warn().Msg("Daily rate limit reached, stopping processing")
		metrics.AdmissionDenialsTotal.WithLabelValues(reasonDailyLimit).Inc()
		return false
	}

	return true
}

// WaitForNextSlot paces the pipeline between requests: a fixed delay, then
// polling until the minute window would admit again. It never records an
// admission itself.
func (s *Scheduler) WaitForNextSlot() {
	s.sleep(s.delay)

	for !s.minute.WouldAdmit() {
		log.Info().Msg("Waiting for minute rate limit reset")
		s.sleep(s.poll)
	}
}

// inQuietHours checks the quiet-hours window and logs the Awake/Sleeping
// transitions exactly once per state change.
func (s *Scheduler) inQuietHours() bool {
	if !s.enforceQuiet {
		return false
	}

	hour := s.now().Hour()
	inWindow := hour >= s.quietStart && hour < s.quietEnd

	s.mu.Lock()
	defer s.mu.Unlock()

	if inWindow && !s.sleeping {
		log.Info().
			Int("start_hour", s.quietStart).
			Int("end_hour", s.quietEnd).
			Msg("Entering quiet hours")
		s.sleeping = true
	} else if !inWindow && s.sleeping {
		log.Info().Msg("Exiting quiet hours")
		s.sleeping = false
	}

	return inWindow
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() models.SchedulerStatus {
	s.mu.Lock()
	sleeping := s.sleeping
	s.mu.Unlock()

	return models.SchedulerStatus{
		Sleeping:            sleeping,
		QuietHours:          fmt.Sprintf("%02d:00-%02d:00", s.quietStart, s.quietEnd),
		MinuteLimit:         s.minute.Status(),
		DailyLimit:          s.day.Status(),
		RequestDelaySeconds: s.delay.Seconds(),
	}
}
