package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/cache"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/keypool"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/sink"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/source"
	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// fakeExtractor scripts per-call results for the extraction API
type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	secrets []string
	respond func(call int) (string, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, secret string, imageBytes []byte, languageHint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.secrets = append(f.secrets, secret)
	if f.respond == nil {
		return "recognized document text", nil
	}
	return f.respond(f.calls)
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type discardSaver struct{}

func (discardSaver) Save(records []models.KeyRecord) error { return nil }

func testConfig(t *testing.T, inputDir, outputDir string) *config.Config {
	t.Helper()
	return &config.Config{
		Keys: config.KeysConfig{
			RotationStrategy: "round_robin",
			CooldownMinutes:  60,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerMinute:   100,
			RequestsPerDay:      1000,
			RequestDelaySeconds: 0,
		},
		Schedule: config.ScheduleConfig{
			QuietStartHour:     0,
			QuietEndHour:       0,
			ProcessDuringQuiet: true,
			MaxMinuteRetries:   3,
		},
		Extractor: config.ExtractorConfig{
			Model:        "gemini-2.5-flash",
			LanguageHint: "nepali",
			MaxRetries:   2,
		},
		Source: config.SourceConfig{
			Backend:        "local",
			InputDir:       inputDir,
			Extensions:     []string{".jpg"},
			MaxImageSizeMB: 10,
		},
		Sink: config.SinkConfig{OutputDir: outputDir},
	}
}

type fixture struct {
	pipeline  *Pipeline
	extractor *fakeExtractor
	sink      *sink.Sink
	cfg       *config.Config
}

func newFixture(t *testing.T, images []string, cfg *config.Config, resultCache *cache.Cache) *fixture {
	t.Helper()

	inputDir := t.TempDir()
	for _, name := range images {
		require.NoError(t, os.WriteFile(filepath.Join(inputDir, name), []byte("img-"+name), 0644))
	}
	if cfg == nil {
		cfg = testConfig(t, inputDir, filepath.Join(t.TempDir(), "out"))
	} else {
		cfg.Source.InputDir = inputDir
	}

	pool := keypool.New(
		[]models.KeyRecord{{Key: "secret-1", Alias: "key1"}, {Key: "secret-2", Alias: "key2"}},
		keypool.Options{
			Strategy:     models.StrategyRoundRobin,
			DailyCap:     1000,
			Cooldown:     time.Hour,
			AutoRecovery: true,
		},
		discardSaver{},
	)
	sched := scheduler.New(cfg.Schedule, cfg.RateLimit)

	snk, err := sink.New(cfg.Sink)
	require.NoError(t, err)

	src := source.NewLocalSource(cfg.Source)
	ext := &fakeExtractor{}

	p := New(cfg, pool, sched, ext, src, snk, resultCache, nil)
	p.sleep = func(time.Duration) {}

	return &fixture{pipeline: p, extractor: ext, sink: snk, cfg: cfg}
}

func TestRunProcessesAllImages(t *testing.T) {
	f := newFixture(t, []string{"a.jpg", "b.jpg", "c.jpg"}, nil, nil)

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalImages)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, float64(100), report.SuccessRate)
	assert.Equal(t, 3, f.extractor.callCount())
	assert.True(t, f.sink.Exists("a.jpg"))
	assert.True(t, f.sink.Exists("c.jpg"))
	assert.NotEmpty(t, report.KeysUsed)
}

func TestRunSkipsExistingAnnotations(t *testing.T) {
	f := newFixture(t, []string{"a.jpg", "b.jpg"}, nil, nil)
	require.NoError(t, f.sink.WriteAnnotation("a.jpg", "already done", &models.AnnotationMeta{}))

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, f.extractor.callCount())
}

func TestRunCountsFailures(t *testing.T) {
	f := newFixture(t, []string{"a.jpg"}, nil, nil)
	f.extractor.respond = func(int) (string, error) {
		return "", errors.New("upstream unavailable")
	}

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, float64(0), report.SuccessRate)
	// one attempt per configured retry
	assert.Equal(t, 2, f.extractor.callCount())
	assert.False(t, f.sink.Exists("a.jpg"))
}

func TestRunRotatesKeyAfterRateLimitError(t *testing.T) {
	f := newFixture(t, []string{"a.jpg"}, nil, nil)
	f.extractor.respond = func(call int) (string, error) {
		if call == 1 {
			return "", errors.New("429 too many requests")
		}
		return "recovered text", nil
	}

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 2, f.extractor.callCount())
	// the rate limited key is in cooldown, the retry used the other one
	assert.NotEqual(t, f.extractor.secrets[0], f.extractor.secrets[1])
	assert.Equal(t, 1, report.RateLimitHits)
}

func TestRunDailyHardStop(t *testing.T) {
	cfg := testConfig(t, "", filepath.Join(t.TempDir(), "out"))
	cfg.RateLimit.RequestsPerDay = 1
	f := newFixture(t, []string{"a.jpg", "b.jpg", "c.jpg"}, cfg, nil)

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, f.extractor.callCount())
	assert.False(t, f.sink.Exists("b.jpg"))
}

func TestRunServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	resultCache, err := cache.NewCache(config.CacheConfig{Host: mr.Host(), Port: port, TTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { resultCache.Close() })

	f := newFixture(t, []string{"a.jpg"}, nil, resultCache)

	// Seed the cache under the image checksum
	img, err := source.NewLocalSource(f.cfg.Source).Load(context.Background(), "a.jpg")
	require.NoError(t, err)
	require.NoError(t, resultCache.SetResult(context.Background(), img.Checksum, &cache.Result{
		ImageFile: "a.jpg",
		Text:      "cached text",
		KeyAlias:  "key1",
	}))

	report, runErr := f.pipeline.Run(context.Background())
	require.NoError(t, runErr)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.CacheHits)
	assert.Equal(t, 0, f.extractor.callCount())

	text, err := os.ReadFile(f.sink.AnnotationPath("a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "cached text", string(text))
}

func TestRunStoresResultInCache(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	resultCache, err := cache.NewCache(config.CacheConfig{Host: mr.Host(), Port: port, TTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { resultCache.Close() })

	f := newFixture(t, []string{"a.jpg"}, nil, resultCache)

	_, runErr := f.pipeline.Run(context.Background())
	require.NoError(t, runErr)

	img, err := source.NewLocalSource(f.cfg.Source).Load(context.Background(), "a.jpg")
	require.NoError(t, err)
	cached, err := resultCache.GetResult(context.Background(), img.Checksum)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "recognized document text", cached.Text)
}

func TestStopEndsRunEarly(t *testing.T) {
	f := newFixture(t, []string{"a.jpg", "b.jpg", "c.jpg"}, nil, nil)
	f.extractor.respond = func(call int) (string, error) {
		if call == 1 {
			f.pipeline.Stop()
		}
		return "text", nil
	}

	report, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, f.extractor.callCount())
}

func TestProgress(t *testing.T) {
	f := newFixture(t, []string{"a.jpg", "b.jpg"}, nil, nil)

	_, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	progress := f.pipeline.Progress()
	assert.Equal(t, f.pipeline.RunID(), progress.RunID)
	assert.Equal(t, 2, progress.TotalImages)
	assert.Equal(t, 2, progress.Processed)
	assert.Equal(t, 0, progress.Remaining)
}
