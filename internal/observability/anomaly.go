package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/amibaren/essaygrader/internal/config"
	"github.com/amibaren/essaygrader/internal/domain"
)

// minSamples is the window population below which no rate is judged.
const minSamples = 5

// AnomalyDetector watches model calls and finished reports over sliding
// windows and logs a warning when error rate, latency or the share of
// degraded reports crosses its threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	latencies map[string]*slidingWindow
	reports   *slidingWindow // 1 per partial report, 0 per complete one.
	cfg       *config.AnomalyConfig
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	a := &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		latencies: make(map[string]*slidingWindow),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	a.reports = &slidingWindow{window: a.windowDuration()}
	return a
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.errors, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successes, operation).add(a.now(), 1)
}

// RecordLatency records how long an operation took and warns when it is a
// multiple of the window's mean.
func (a *AnomalyDetector) RecordLatency(operation string, d time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.window(a.latencies, operation)
	now := a.now()
	factor := a.cfg.LatencySpikeFactor
	if n, mean := w.mean(now); factor > 0 && n >= minSamples && mean > 0 && d.Seconds() > factor*mean {
		a.warn("anomaly detected: latency spike",
			slog.String("operation", operation),
			slog.Duration("latency", d),
			slog.Float64("window_mean_seconds", mean),
			slog.Float64("factor", factor),
		)
	}
	w.add(now, d.Seconds())
}

// RecordReport records the status of a finished report and warns when the
// share of partial reports exceeds the configured level.
func (a *AnomalyDetector) RecordReport(status domain.Status) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	v := 0.0
	if status == domain.StatusPartial {
		v = 1
	}
	now := a.now()
	a.reports.add(now, v)

	limit := a.cfg.DegradationRateWarn
	n, share := a.reports.mean(now)
	if limit > 0 && n >= minSamples && share > limit {
		a.warn("anomaly detected: degraded reports",
			slog.Float64("partial_share", share),
			slog.Float64("threshold", limit),
			slog.Int("reports", n),
		)
	}
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	now := a.now()
	failed := a.window(a.errors, operation).sum(now)
	total := failed + a.window(a.successes, operation).sum(now)
	if total < minSamples {
		return
	}
	if rate := failed / total; rate > threshold {
		a.warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", failed),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) warn(msg string, attrs ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, attrs...)
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// mean returns the population and mean of the window.
func (w *slidingWindow) mean(now time.Time) (int, float64) {
	total := w.sum(now)
	if len(w.entries) == 0 {
		return 0, 0
	}
	return len(w.entries), total / float64(len(w.entries))
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
