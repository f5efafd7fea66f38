package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/weighstation/weighstation/device/internal/config"
	"github.com/weighstation/weighstation/device/internal/updatemanager/metrics"
	"github.com/weighstation/weighstation/formatter"
)

var (
	metricsAddr   string
	checkInterval time.Duration

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "finishes an interrupted install, then checks for updates periodically",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if checkInterval > 0 {
				cfg.CheckInterval = config.Duration(checkInterval)
			}

			var mtr *metrics.Metrics
			var metricsServer *metrics.Server
			if metricsAddr != "" {
				metricsServer = metrics.NewServer(metricsAddr, "")
				mtr = metrics.New(metricsServer.Registry)
			}

			m, err := newManager(cfg, mtr)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			SetupCloseHandler(ctx, cancel)

			g, gctx := errgroup.WithContext(ctx)
			if metricsServer != nil {
				g.Go(func() error {
					return serveMetrics(gctx, metricsServer)
				})
			}

			g.Go(func() error {
				defer cancel()
				log.Infof("running %s, checking %s every %s", m.ActiveVersion(), cfg.BaseURL, cfg.CheckInterval.ToDuration())
				if err := m.Run(gctx, cfg.CheckInterval.ToDuration()); err != nil {
					return fmt.Errorf("update loop: %w", err)
				}
				return nil
			})

			return g.Wait()
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address of the metrics endpoint, e.g. :9090. Disabled when empty")
	runCmd.Flags().DurationVar(&checkInterval, "check-interval", 0, "period of update checks, overrides the config file")
}

// serveMetrics runs the metrics server until ctx is done
func serveMetrics(ctx context.Context, srv *metrics.Server) error {
	logger := log.WithField(formatter.ComponentField, "metrics")

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s%s", srv.Addr, srv.Endpoint)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("failed to stop: %v", err)
	}
	return nil
}
