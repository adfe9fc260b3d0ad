// Package telemetry collects signal samples and hands them to the outbox as
// periodic metrics batches.
//
// Collection is opt-in: a Collector built from a disabled config never reads
// the signal reader and never submits anything.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
)

const (
	DefaultSampleInterval = 30 * time.Second
	DefaultFlushInterval  = 5 * time.Minute
	DefaultMaxSamples     = 1000

	// sketchAccuracy is the relative accuracy of latency quantiles.
	sketchAccuracy = 0.01

	minSignalDBM = -150
	maxSignalDBM = 0
)

// SignalReader reads the current radio state. It is implemented by the
// native host.
type SignalReader interface {
	Read(ctx context.Context) (models.SignalSample, error)
}

// SignalReaderFunc adapts a function to SignalReader.
type SignalReaderFunc func(ctx context.Context) (models.SignalSample, error)

// Read calls f.
func (f SignalReaderFunc) Read(ctx context.Context) (models.SignalSample, error) {
	return f(ctx)
}

// Submitter accepts payloads for delivery.
type Submitter interface {
	Submit(ctx context.Context, kind models.PayloadKind, payload json.RawMessage) (models.SubmitResult, error)
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Enabled        bool
	SampleInterval time.Duration
	FlushInterval  time.Duration
	// MaxSamples bounds the buffer; the oldest samples are dropped first.
	MaxSamples int
}

// DefaultCollectorConfig returns a disabled configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		SampleInterval: DefaultSampleInterval,
		FlushInterval:  DefaultFlushInterval,
		MaxSamples:     DefaultMaxSamples,
	}
}

// Collector samples a SignalReader and flushes batches to a Submitter.
type Collector struct {
	reader    SignalReader
	submitter Submitter
	config    CollectorConfig
	now       func() time.Time

	mu          sync.Mutex
	samples     []models.SignalSample
	windowStart time.Time
	dropped     int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewCollector creates a collector. Zero config fields take defaults.
func NewCollector(reader SignalReader, submitter Submitter, config CollectorConfig) *Collector {
	defaults := DefaultCollectorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	return &Collector{
		reader:    reader,
		submitter: submitter,
		config:    config,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Collector) SetClock(now func() time.Time) {
	c.now = now
}

// IsEnabled reports whether the user opted in.
func (c *Collector) IsEnabled() bool {
	return c.config.Enabled && c.reader != nil && c.submitter != nil
}

// OptInStatus returns "enabled" or "disabled".
func (c *Collector) OptInStatus() string {
	if c.IsEnabled() {
		return "enabled"
	}
	return "disabled"
}

// Start launches the sample and flush loops. It does nothing when disabled.
func (c *Collector) Start(ctx context.Context) {
	if !c.IsEnabled() {
		logging.Debug("Telemetry collection disabled", nil)
		return
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.loop(runCtx)

	logging.Info("Telemetry collector started", map[string]interface{}{
		"sample_interval_ms": c.config.SampleInterval.Milliseconds(),
		"flush_interval_ms":  c.config.FlushInterval.Milliseconds(),
	})
}

// Stop halts the loops and flushes whatever was buffered.
func (c *Collector) Stop(ctx context.Context) {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.runMu.Unlock()

	cancel()
	c.wg.Wait()

	if _, _, err := c.Flush(ctx); err != nil {
		logging.Warn("Final telemetry flush failed", map[string]interface{}{"error": err.Error()})
	}
	logging.Info("Telemetry collector stopped", nil)
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	sampleTicker := time.NewTicker(c.config.SampleInterval)
	defer sampleTicker.Stop()
	flushTicker := time.NewTicker(c.config.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			if err := c.Sample(ctx); err != nil {
				logging.Debug("Signal sample skipped", map[string]interface{}{"error": err.Error()})
			}
		case <-flushTicker.C:
			if _, _, err := c.Flush(ctx); err != nil {
				logging.Warn("Telemetry flush failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Sample reads one sample and buffers it. Readings outside the plausible
// signal range are rejected.
func (c *Collector) Sample(ctx context.Context) error {
	sample, err := c.reader.Read(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "read signal", err)
	}
	if sample.SignalDBM < minSignalDBM || sample.SignalDBM > maxSignalDBM {
		return apperrors.New(apperrors.ErrValidation, "signal reading out of range")
	}
	now := c.now()
	if sample.Timestamp == 0 {
		sample.Timestamp = now.UnixMilli()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		c.windowStart = now
	}
	if len(c.samples) >= c.config.MaxSamples {
		c.samples = c.samples[1:]
		c.dropped++
	}
	c.samples = append(c.samples, sample)
	return nil
}

// Buffered returns the number of samples awaiting a flush.
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Flush submits the buffered samples as one metrics batch. It returns false
// when there was nothing to send. The buffer is cleared even when Submit
// fails so a rejected batch is not resubmitted forever.
func (c *Collector) Flush(ctx context.Context) (models.SubmitResult, bool, error) {
	c.mu.Lock()
	samples := c.samples
	start := c.windowStart
	dropped := c.dropped
	c.samples = nil
	c.dropped = 0
	c.mu.Unlock()

	if len(samples) == 0 {
		return models.SubmitResult{}, false, nil
	}
	if dropped > 0 {
		logging.Warn("Telemetry buffer overflowed", map[string]interface{}{"dropped": dropped})
	}

	batch, err := BuildBatch(samples, start, c.now())
	if err != nil {
		return models.SubmitResult{}, false, err
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return models.SubmitResult{}, false, apperrors.Wrap(apperrors.ErrInternal, "encode metrics batch", err)
	}

	result, err := c.submitter.Submit(ctx, models.KindMetrics, payload)
	if err != nil {
		logging.ErrorWithCode("Metrics batch not accepted", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"samples": len(samples),
		})
		return models.SubmitResult{}, false, err
	}
	logging.Debug("Metrics batch submitted", map[string]interface{}{
		"id":      result.ID,
		"samples": len(samples),
		"offline": result.Offline,
	})
	return result, true, nil
}

// BuildBatch assembles a metrics batch. Latency quantiles are computed with a
// DDSketch over samples that carry a latency reading.
func BuildBatch(samples []models.SignalSample, windowStart, windowEnd time.Time) (models.MetricsBatch, error) {
	batch := models.MetricsBatch{
		WindowStart: windowStart.UnixMilli(),
		WindowEnd:   windowEnd.UnixMilli(),
		Samples:     samples,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return batch, apperrors.Wrap(apperrors.ErrInternal, "create latency sketch", err)
	}
	for _, s := range samples {
		if s.LatencyMS <= 0 {
			continue
		}
		if err := sketch.Add(s.LatencyMS); err != nil {
			return batch, apperrors.Wrap(apperrors.ErrInternal, "add latency", err)
		}
	}
	if sketch.IsEmpty() {
		return batch, nil
	}

	summary := &models.LatencySummary{Count: int64(sketch.GetCount())}
	for _, q := range []struct {
		quantile float64
		dst      *float64
	}{
		{0.5, &summary.P50},
		{0.9, &summary.P90},
		{0.99, &summary.P99},
	} {
		v, err := sketch.GetValueAtQuantile(q.quantile)
		if err != nil {
			return batch, apperrors.Wrap(apperrors.ErrInternal, "latency quantile", err)
		}
		*q.dst = v
	}
	batch.Latency = summary
	return batch, nil
}
