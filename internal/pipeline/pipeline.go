package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/cache"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/extractor"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/keypool"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/sink"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/source"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// Extractor sends one image to the extraction API
type Extractor interface {
	Extract(ctx context.Context, secret string, imageBytes []byte, languageHint string) (string, error)
}

// StatsWriter persists periodic pool statistics
type StatsWriter interface {
	WriteStats(path string, snap models.StatsSnapshot) error
}

// Pipeline drives one batch run: listing images, gating each request
// through the admission scheduler, rotating keys, extracting text and
// writing annotations.
type Pipeline struct {
	cfg    *config.Config
	pool   *keypool.Pool
	sched  *scheduler.Scheduler
	client Extractor
	src    source.Source
	sink   *sink.Sink
	cache  *cache.Cache // nil when caching is disabled
	stats  StatsWriter

	runID string

	mu          sync.Mutex
	shutdown    bool
	totalImages int
	processed   int
	failed      int
	skipped     int
	cacheHits   int
	keysUsed    map[string]bool
	extractSecs float64
	start       time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a pipeline. The cache may be nil when result caching is
// disabled.
func New(cfg *config.Config, pool *keypool.Pool, sched *scheduler.Scheduler, client Extractor,
	src source.Source, snk *sink.Sink, resultCache *cache.Cache, stats StatsWriter) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		pool:     pool,
		sched:    sched,
		client:   client,
		src:      src,
		sink:     snk,
		cache:    resultCache,
		stats:    stats,
		runID:    uuid.New().String(),
		keysUsed: make(map[string]bool),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// RunID returns the identifier assigned to this batch run
func (p *Pipeline) RunID() string {
	return p.runID
}

// Stop requests a graceful stop after the in-flight image completes
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	log.Info().Str("run_id", p.runID).Msg("Shutdown requested")
}

func (p *Pipeline) stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// Run processes the batch and returns the final report. Processing stops
// early on shutdown or when the daily request budget is exhausted.
func (p *Pipeline) Run(ctx context.Context) (*models.RunReport, error) {
	span, ctx := tracing.StartSpan(ctx, "pipeline.run")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "run_id", p.runID)

	names, err := p.src.List(ctx)
	if err != nil {
		tracing.LogError(span, err)
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	p.mu.Lock()
	p.totalImages = len(names)
	p.start = p.now()
	p.mu.Unlock()

	log.Info().
		Str("run_id", p.runID).
		Int("images", len(names)).
		Str("strategy", p.cfg.Keys.RotationStrategy).
		Msg("Starting batch run")

loop:
	for i := 0; i < len(names); {
		if p.stopping() {
			log.Info().Int("remaining", len(names)-i).Msg("Stopping before next image")
			break
		}
		if ctx.Err() != nil {
			break
		}

		switch p.processImage(ctx, names[i]) {
		case outcomeHardStop:
			log.Warn().Int("remaining", len(names)-i-1).Msg("Daily budget exhausted, ending run")
			break loop
		case outcomeDeferred:
			// Same image retried after the poll wait
			continue
		case outcomeAdmitted:
			p.maybeMonitor()
			if i < len(names)-1 {
				p.sched.WaitForNextSlot()
			}
			i++
		default:
			p.maybeMonitor()
			i++
		}
	}

	report := p.report()
	log.Info().
		Str("run_id", p.runID).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("cache_hits", report.CacheHits).
		Float64("success_rate", report.SuccessRate).
		Msg("Batch run finished")
	return report, nil
}

// outcome classifies how one image iteration ended
type outcome int

const (
	// handled without an API admission: skip, cache hit or load failure
	outcomeHandled outcome = iota
	// an admission was recorded on the window limiters
	outcomeAdmitted
	// admission denied, the image must be retried
	outcomeDeferred
	// daily budget exhausted, the run ends
	outcomeHardStop
)

// processImage handles one image end to end
func (p *Pipeline) processImage(ctx context.Context, name string) outcome {
	span, ctx := tracing.StartSpan(ctx, "pipeline.process_image")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "image", name)

	if p.sink.Exists(name) {
		log.Debug().Str("image", name).Msg("Annotation exists, skipping")
		p.count(func() { p.skipped++ })
		return outcomeHandled
	}

	img, err := p.src.Load(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("image", name).Msg("Failed to load image")
		tracing.LogError(span, err)
		p.count(func() { p.failed++ })
		metrics.ImagesFailedTotal.Inc()
		return outcomeHandled
	}

	if p.serveFromCache(ctx, img) {
		return outcomeHandled
	}

	// Midnight rollover and cooldown recovery happen between requests
	p.pool.Tick()

	if !p.sched.ShouldProcess() {
		if p.dailyExhausted() {
			return outcomeHardStop
		}
		// Quiet hours or minute retries exhausted: leave the image for
		// the next iteration after a poll wait.
		log.Info().Str("image", name).Msg("Admission denied, image deferred")
		p.sleep(p.cfg.Schedule.PollInterval())
		return outcomeDeferred
	}

	text, alias, elapsed, err := p.extractWithRetries(ctx, img)
	if err != nil {
		log.Error().Err(err).Str("image", name).Msg("Extraction failed")
		tracing.LogError(span, err)
		p.count(func() { p.failed++ })
		metrics.ImagesFailedTotal.Inc()
		return outcomeAdmitted
	}

	if !extractor.ValidateText(text, p.cfg.Extractor.LanguageHint) {
		log.Warn().Str("image", name).Msg("Extracted text failed validation checks")
	}

	requestID := uuid.New().String()
	meta := &models.AnnotationMeta{
		ImageFile:             name,
		TextLength:            len(text),
		KeyAlias:              alias,
		RequestID:             requestID,
		Model:                 p.cfg.Extractor.Model,
		ProcessingTimeSeconds: elapsed.Seconds(),
		ProcessingDate:        p.now().UTC(),
		Checksum:              img.Checksum,
	}
	if err := p.sink.WriteAnnotation(name, text, meta); err != nil {
		log.Error().Err(err).Str("image", name).Msg("Failed to write annotation")
		tracing.LogError(span, err)
		p.count(func() { p.failed++ })
		metrics.ImagesFailedTotal.Inc()
		return outcomeAdmitted
	}

	p.storeInCache(ctx, img, text, alias)

	p.count(func() {
		p.processed++
		p.keysUsed[alias] = true
		p.extractSecs += elapsed.Seconds()
	})
	metrics.ImagesProcessedTotal.Inc()
	tracing.SetTag(span, "key_alias", alias)

	log.Info().
		Str("image", name).
		Str("key_alias", alias).
		Int("text_length", len(text)).
		Dur("duration", elapsed).
		Msg("Image processed")
	return outcomeAdmitted
}

// extractWithRetries sends the extraction request, rotating to a fresh
// key on each attempt and backing off between failures.
func (p *Pipeline) extractWithRetries(ctx context.Context, img *source.Image) (string, string, time.Duration, error) {
	backoff := 4 * time.Second
	const maxBackoff = 10 * time.Second

	attempts := p.cfg.Extractor.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return "", "", 0, ctx.Err()
		}

		key := p.pool.Next()
		if key == nil {
			lastErr = fmt.Errorf("no usable API keys available")
			log.Warn().Int("attempt", attempt+1).Msg("All API keys exhausted, backing off")
			p.sleep(backoff)
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		start := p.now()
		text, err := p.client.Extract(ctx, key.Secret, img.Data, p.cfg.Extractor.LanguageHint)
		elapsed := p.now().Sub(start)
		p.pool.RecordOutcome(key, err)
		metrics.ExtractionDuration.Observe(elapsed.Seconds())

		if err == nil {
			return text, key.Alias, elapsed, nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("key_alias", key.Alias).
			Int("attempt", attempt+1).
			Msg("Extraction attempt failed")

		if attempt < attempts-1 {
			p.sleep(backoff)
			backoff = nextBackoff(backoff, maxBackoff)
		}
	}

	return "", "", 0, fmt.Errorf("extraction failed after %d attempts: %w", attempts, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// serveFromCache writes the annotation from a cached result when one
// exists for the image checksum. No admission is consumed.
func (p *Pipeline) serveFromCache(ctx context.Context, img *source.Image) bool {
	if p.cache == nil {
		return false
	}

	result, err := p.cache.GetResult(ctx, img.Checksum)
	if err != nil {
		log.Warn().Err(err).Str("image", img.Name).Msg("Cache lookup failed")
		return false
	}
	if result == nil {
		return false
	}

	meta := &models.AnnotationMeta{
		ImageFile:      img.Name,
		TextLength:     len(result.Text),
		KeyAlias:       result.KeyAlias,
		Model:          result.Model,
		ProcessingDate: p.now().UTC(),
		Checksum:       img.Checksum,
	}
	if err := p.sink.WriteAnnotation(img.Name, result.Text, meta); err != nil {
		log.Error().Err(err).Str("image", img.Name).Msg("Failed to write cached annotation")
		p.count(func() { p.failed++ })
		metrics.ImagesFailedTotal.Inc()
		return true
	}

	p.count(func() {
		p.processed++
		p.cacheHits++
	})
	metrics.ImagesProcessedTotal.Inc()
	log.Info().Str("image", img.Name).Msg("Served from result cache")
	return true
}

func (p *Pipeline) storeInCache(ctx context.Context, img *source.Image, text, alias string) {
	if p.cache == nil {
		return
	}

	err := p.cache.SetResult(ctx, img.Checksum, &cache.Result{
		ImageFile:   img.Name,
		Text:        text,
		KeyAlias:    alias,
		Model:       p.cfg.Extractor.Model,
		ProcessedAt: p.now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("image", img.Name).Msg("Failed to cache result")
	}
}

// dailyExhausted checks whether the daily window has no remaining
// headroom, which ends the run.
func (p *Pipeline) dailyExhausted() bool {
	status := p.sched.Status()
	for _, rule := range status.DailyLimit.Rules {
		if rule.Remaining <= 0 {
			return true
		}
	}
	return false
}

// maybeMonitor emits pool statistics every N handled images
func (p *Pipeline) maybeMonitor() {
	interval := p.cfg.Monitoring.IntervalImages
	if interval <= 0 {
		return
	}

	p.mu.Lock()
	handled := p.processed + p.failed + p.skipped
	p.mu.Unlock()
	if handled == 0 || handled%interval != 0 {
		return
	}

	stats := p.pool.Monitor()
	log.Info().
		Int("active_keys", stats.ActiveKeys).
		Int("rate_limited_keys", stats.RateLimitedKeys).
		Int64("requests_today", stats.TotalRequestsToday).
		Msg("Key pool status")

	if p.stats != nil && p.cfg.Keys.StatsFile != "" {
		if err := p.stats.WriteStats(p.cfg.Keys.StatsFile, p.pool.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("Failed to write stats file")
		}
	}
}

func (p *Pipeline) count(fn func()) {
	p.mu.Lock()
	fn()
	p.mu.Unlock()
}

// Progress returns a point-in-time view of the run
func (p *Pipeline) Progress() models.RunProgress {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.totalImages - p.processed - p.failed - p.skipped
	if remaining < 0 {
		remaining = 0
	}

	progress := models.RunProgress{
		RunID:       p.runID,
		TotalImages: p.totalImages,
		Processed:   p.processed,
		Failed:      p.failed,
		Skipped:     p.skipped,
		CacheHits:   p.cacheHits,
		Remaining:   remaining,
	}
	if !p.start.IsZero() {
		hours := p.now().Sub(p.start).Hours()
		if hours > 0 {
			progress.ImagesPerHour = float64(p.processed) / hours
		}
	}
	return progress
}

// report builds the final run report
func (p *Pipeline) report() *models.RunReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	end := p.now()
	poolStats := p.pool.Monitor()

	var rateLimitHits int64
	for _, k := range poolStats.Keys {
		rateLimitHits += k.RateLimitHits
	}

	keys := make([]string, 0, len(p.keysUsed))
	for alias := range p.keysUsed {
		keys = append(keys, alias)
	}

	report := &models.RunReport{
		RunID:                 p.runID,
		TotalImages:           p.totalImages,
		Processed:             p.processed,
		Failed:                p.failed,
		Skipped:               p.skipped,
		CacheHits:             p.cacheHits,
		KeysUsed:              keys,
		TotalKeysAvailable:    poolStats.TotalKeys,
		RateLimitHits:         int(rateLimitHits),
		ProcessingTimeSeconds: p.extractSecs,
		StartTime:             p.start,
		EndTime:               end,
		KeyStats:              poolStats,
	}

	attempted := p.processed + p.failed
	if attempted > 0 {
		report.SuccessRate = float64(p.processed) / float64(attempted) * 100
	}
	if p.processed > 0 {
		report.AverageProcessingTime = p.extractSecs / float64(p.processed)
	}
	if !p.start.IsZero() {
		duration := end.Sub(p.start)
		report.DurationSeconds = duration.Seconds()
		if hours := duration.Hours(); hours > 0 {
			report.ImagesPerHour = float64(p.processed) / hours
		}
	}
	return report
}
