package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/api"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/config"
	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// =====================================================
// run
// =====================================================

func newRunCmd(configPath *string) *cobra.Command {
	var signalFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service.Start(ctx); err != nil {
				return err
			}
			a.prober.Start(ctx)

			var reader telemetry.SignalReader
			if signalFile != "" {
				reader = fileSignalReader(signalFile)
			}
			collector := telemetry.NewCollector(reader, a.service, telemetry.CollectorConfig{
				Enabled:        a.cfg.Telemetry.Enabled,
				SampleInterval: a.cfg.Telemetry.SampleInterval,
				FlushInterval:  a.cfg.Telemetry.FlushInterval,
			})
			collector.Start(ctx)

			var server *api.Server
			serverErr := make(chan error, 1)
			if a.cfg.StatusServer.Enabled {
				server = api.NewServer(a.service)
				go func() { serverErr <- server.ListenAndServe(a.cfg.StatusServer.Address) }()
			}

			logging.Info("netpulse agent running", map[string]interface{}{
				"version":   Version,
				"telemetry": collector.OptInStatus(),
			})

			var runErr error
			select {
			case <-ctx.Done():
			case runErr = <-serverErr:
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if server != nil {
				if err := server.Shutdown(shutdownCtx); err != nil {
					logging.Warn("Status server shutdown failed", map[string]interface{}{"error": err.Error()})
				}
			}
			collector.Stop(shutdownCtx)
			a.service.Stop()

			logging.Info("netpulse agent stopped", nil)
			return runErr
		},
	}
	cmd.Flags().StringVar(&signalFile, "signal-file", "", "JSON file holding the latest signal reading, written by the host")
	return cmd
}

// fileSignalReader reads the most recent sample the native host wrote to
// path.
func fileSignalReader(path string) telemetry.SignalReaderFunc {
	return func(context.Context) (models.SignalSample, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return models.SignalSample{}, err
		}
		var sample models.SignalSample
		if err := json.Unmarshal(data, &sample); err != nil {
			return models.SignalSample{}, apperrors.Wrap(apperrors.ErrValidation, "decode signal file", err)
		}
		return sample, nil
	}
}

// =====================================================
// submit
// =====================================================

func newSubmitCmd(configPath *string) *cobra.Command {
	var (
		feedback models.FeedbackSubmission
		rawJSON  string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a feedback entry",
		Long:  `Submit a feedback entry. It is sent right away when the collector is reachable and queued otherwise.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := feedbackPayload(feedback, rawJSON, time.Now())
			if err != nil {
				return err
			}

			a, err := newApp(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			a.recover(cmd.Context())

			result, err := a.service.Submit(cmd.Context(), models.KindFeedback, payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&feedback.Rating, "rating", 0, "rating from 1 to 5")
	cmd.Flags().StringVar(&feedback.Category, "category", "", "feedback category")
	cmd.Flags().StringVar(&feedback.Comment, "comment", "", "free-text comment")
	cmd.Flags().StringVar(&feedback.NetworkType, "network-type", "", "network type, e.g. LTE")
	cmd.Flags().StringVar(&feedback.Operator, "operator", "", "mobile operator")
	cmd.Flags().StringVar(&rawJSON, "json", "", "raw feedback JSON; overrides the other flags")
	return cmd
}

func feedbackPayload(feedback models.FeedbackSubmission, rawJSON string, now time.Time) (json.RawMessage, error) {
	if raw := strings.TrimSpace(rawJSON); raw != "" {
		return json.RawMessage(raw), nil
	}
	if feedback.Rating == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "--rating or --json is required")
	}
	feedback.CapturedAt = now.UnixMilli()
	payload, err := json.Marshal(feedback)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode feedback", err)
	}
	return payload, nil
}

// =====================================================
// sync / status
// =====================================================

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver pending and failed items now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			a.recover(cmd.Context())

			result, err := a.service.ForceSync(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

type statusReport struct {
	Sync  models.SyncStatusSnapshot `json:"sync"`
	Queue map[string]int            `json:"queue"`
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and sync status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			report := statusReport{
				Sync:  a.service.GetStatus(cmd.Context()),
				Queue: map[string]int{},
			}
			for _, item := range a.service.Items(cmd.Context()) {
				report.Queue[string(item.Status)]++
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

// =====================================================
// config
// =====================================================

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var (
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter netpulse.toml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(output, flags, 0o600)
			if err != nil {
				if errors.Is(err, os.ErrExist) {
					return apperrors.New(apperrors.ErrInvalid, output+" already exists (use --force to overwrite)")
				}
				return err
			}
			if err := config.WriteTOML(f, config.DefaultConfig()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "netpulse.toml", "file to write")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
