package cli

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/controller"
	"github.com/invisible-tech/sentinel/internal/ingest"
	"github.com/invisible-tech/sentinel/internal/observer"
	"github.com/invisible-tech/sentinel/internal/reputation"
	"github.com/invisible-tech/sentinel/internal/server"
	"github.com/invisible-tech/sentinel/internal/version"
)

var (
	serveAddr       string
	serveReputation string
	serveAccessLog  string
	serveNoGuard    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sentinel API, guard and pipeline",
	Long: `Run the sentinel pipeline behind its HTTP API.

Optionally reloads known-IP lists from a YAML file and follows a web server
access log so traffic served elsewhere is observed too.

  sentinel serve --addr :8080 --reputation-file /etc/sentinel/ips.yaml`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	serveCmd.Flags().StringVar(&serveReputation, "reputation-file", "", "YAML known-IP list file (overrides SENTINEL_REPUTATION_FILE)")
	serveCmd.Flags().StringVar(&serveAccessLog, "access-log", "", "Access log to follow (overrides SENTINEL_ACCESS_LOG)")
	serveCmd.Flags().BoolVar(&serveNoGuard, "no-guard", false, "Do not enforce blocks on the API itself")
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	cfg := config.DefaultSentinelConfig()
	if serveAddr != "" {
		cfg.HTTPAddr = serveAddr
	}
	if serveReputation != "" {
		cfg.ReputationFile = serveReputation
	}
	if serveAccessLog != "" {
		cfg.Ingest.AccessLogPath = serveAccessLog
	}
	if serveNoGuard {
		cfg.Guard.Enabled = false
	}

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"addr":    cfg.HTTPAddr,
		"guard":   cfg.Guard.Enabled,
		"notify":  cfg.Notify.Enabled,
	}).Info("Starting sentinel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := controller.New(cfg, log)
	ctrl.Start(ctx)

	if cfg.ReputationFile != "" {
		w, err := reputation.New(cfg.ReputationFile, ctrl.Analyzer(), log)
		if err != nil {
			return err
		}
		go w.Start(ctx)
	}

	if cfg.Ingest.AccessLogPath != "" {
		tl := ingest.New(ingest.Config{Path: cfg.Ingest.AccessLogPath, Poll: cfg.Ingest.Poll}, log)
		go func() {
			err := tl.Run(ctx, func(obs observer.RequestObservation) {
				ctrl.ObserveRequest(obs)
			})
			if err != nil {
				log.WithError(err).Error("Access log tailer stopped")
			}
		}()
	}

	srv := server.New(cfg, ctrl, log)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan struct{})
	go func() {
		sig := waitForSignal()
		log.WithField("signal", sig.String()).Info("Shutting down sentinel")
		close(sigCh)
	}()

	select {
	case err := <-errCh:
		log.WithError(err).Error("Sentinel server failed")
		return err
	case <-sigCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown incomplete")
	}
	cancel()
	ctrl.Drain()
	return nil
}
