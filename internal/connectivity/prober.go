package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultCacheTTL      = 10 * time.Second

	probeKey = "collector"
)

// ProberConfig configures a Prober.
type ProberConfig struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Prober polls a health URL. Any response below 500 counts as connected.
// IsConnected answers from a short-lived cache so that bursts of Submit calls
// do not each cost a round trip.
type Prober struct {
	url        string
	interval   time.Duration
	timeout    time.Duration
	httpClient *http.Client
	cache      *ttlcache.Cache[string, bool]
	subs       subscribers

	mu     sync.Mutex
	known  bool
	last   bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProber(cfg ProberConfig) (*Prober, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "probe url is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{
		url:        cfg.URL,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		httpClient: client,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, bool](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
	}, nil
}

func (p *Prober) Subscribe(onChange func(bool)) func() {
	return p.subs.add(onChange)
}

// IsConnected returns the cached probe result, probing when the cache is
// cold.
func (p *Prober) IsConnected(ctx context.Context) bool {
	loader := ttlcache.LoaderFunc[string, bool](
		func(cache *ttlcache.Cache[string, bool], key string) *ttlcache.Item[string, bool] {
			return cache.Set(key, p.probe(ctx), ttlcache.DefaultTTL)
		},
	)
	item := p.cache.Get(probeKey, ttlcache.WithLoader[string, bool](loader))
	if item == nil {
		return false
	}
	return item.Value()
}

// Start begins polling until Stop or ctx is done. The first probe runs
// immediately.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)

	logging.Info("Connectivity prober started", map[string]interface{}{
		"url":         p.url,
		"interval_ms": p.interval.Milliseconds(),
	})
}

// Stop halts polling and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.cache.DeleteAll()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh probes now, updates the cache and emits a transition if the state
// changed since the last probe.
func (p *Prober) Refresh(ctx context.Context) bool {
	connected := p.probe(ctx)
	if ctx.Err() != nil {
		return connected
	}
	p.cache.Set(probeKey, connected, ttlcache.DefaultTTL)

	p.mu.Lock()
	changed := !p.known || p.last != connected
	p.known = true
	p.last = connected
	p.mu.Unlock()

	if changed {
		logging.Info("Connectivity changed", map[string]interface{}{
			"connected": connected,
			"url":       p.url,
		})
		p.subs.emit(connected)
	}
	return connected
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
