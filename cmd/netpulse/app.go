package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/config"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/connectivity"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/kvstore"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/services"
	syncpkg "github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/scheduler"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/transport"
)

// app holds the components every command needs.
type app struct {
	cfg     *config.Config
	prober  *connectivity.Prober
	service *services.OutboxService
	logFile *os.File
}

// newApp loads configuration, sets up logging and wires the outbox service.
// Logs go to stderr so command output on stdout stays machine readable.
func newApp(configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.initLogging(logOut); err != nil {
		return nil, err
	}

	store, err := kvstore.BuildStoreFromDSN(cfg.Store.DSN)
	if err != nil {
		a.closeLog()
		return nil, err
	}

	client, err := transport.NewHTTPClient(transport.Options{
		Endpoint:                    cfg.Transport.Endpoint,
		UserID:                      cfg.Transport.UserID,
		Token:                       cfg.Transport.Token,
		RequestTimeout:              cfg.Transport.RequestTimeout,
		TreatClientErrorsAsTerminal: cfg.Transport.TreatClientErrorsAsTerminal,
	})
	if err != nil {
		_ = store.Close()
		a.closeLog()
		return nil, err
	}

	a.prober, err = connectivity.NewProber(connectivity.ProberConfig{
		URL:      cfg.ProbeURL(),
		Interval: cfg.Connectivity.ProbeInterval,
		Timeout:  cfg.Connectivity.ProbeTimeout,
		CacheTTL: cfg.Connectivity.CacheTTL,
	})
	if err != nil {
		_ = store.Close()
		a.closeLog()
		return nil, err
	}

	a.service, err = services.NewOutboxService(store, client, a.prober, &services.OutboxConfig{
		Engine: syncpkg.EngineConfig{
			MaxRetries:     cfg.Sync.MaxRetries,
			MaxConcurrency: cfg.Sync.MaxConcurrency,
			RequestTimeout: cfg.Transport.RequestTimeout,
			ChunkSize:      cfg.Sync.ChunkSize,
			ChunkTimeout:   cfg.Transport.ChunkTimeout,
		},
		Scheduler:    &scheduler.SchedulerConfig{PeriodicInterval: cfg.Sync.PeriodicInterval},
		MaxQueueSize: cfg.Sync.MaxQueueSize,
	})
	if err != nil {
		_ = store.Close()
		a.closeLog()
		return nil, err
	}
	return a, nil
}

func (a *app) initLogging(out io.Writer) error {
	level, err := logging.ParseLevel(a.cfg.Logging.Level)
	if err != nil {
		return err
	}
	if a.cfg.Logging.File == "" {
		logging.Init(out, level)
		return nil
	}
	f, err := logging.OpenFile(a.cfg.Logging.File)
	if err != nil {
		return err
	}
	a.logFile = f
	logging.Init(out, level, f)
	return nil
}

func (a *app) closeLog() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}

// Close stops background work and releases the store and log file.
func (a *app) Close() error {
	a.prober.Stop()
	var result *multierror.Error
	if err := a.service.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		a.logFile = nil
	}
	return result.ErrorOrNil()
}

// recover resets items a crashed run left in flight. One-shot commands call
// it because they never Start the service.
func (a *app) recover(ctx context.Context) {
	if err := a.service.Recover(ctx); err != nil {
		logging.Warn("Could not recover interrupted items", map[string]interface{}{"error": err.Error()})
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
