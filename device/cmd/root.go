package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weighstation/weighstation/device/internal/config"
	"github.com/weighstation/weighstation/device/internal/restart"
	"github.com/weighstation/weighstation/device/internal/storage"
	"github.com/weighstation/weighstation/device/internal/updatemanager"
	"github.com/weighstation/weighstation/device/internal/updatemanager/metrics"
	"github.com/weighstation/weighstation/util"
)

const (
	defaultConfigPath = "/etc/weighstation/config.json"

	baseURLFlag       = "base-url"
	sourceDirFlag     = "source-dir"
	dataDirFlag       = "data-dir"
	failurePolicyFlag = "failure-policy"
)

var (
	configPath    string
	logLevel      string
	logFile       string
	baseURL       string
	sourceDir     string
	dataDir       string
	failurePolicy string

	rootCmd = &cobra.Command{
		Use:           "weighstation",
		Short:         "Weigh station firmware",
		Long:          "Weigh station firmware and its over-the-air update engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.InitLog(logLevel, logFile)
		},
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Weigh station config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", util.LogConsole, "sets log path. If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().StringVar(&baseURL, baseURLFlag, "", "update server URL [http|https]://[host]:[port]/[path], overrides the config file")
	rootCmd.PersistentFlags().StringVar(&sourceDir, sourceDirFlag, "", "directory of the release files on the update server, overrides the config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, dataDirFlag, "", fmt.Sprintf("directory holding the active and staging roots (default %q)", config.DefaultDataDir))
	rootCmd.PersistentFlags().StringVar(&failurePolicy, failurePolicyFlag, "", "what to do with a partially downloaded release [best-effort|abort]")

	rootCmd.AddCommand(otaCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	otaCmd.AddCommand(otaCheckCmd, otaUpdateCmd, otaResumeCmd)
	configCmd.AddCommand(configInitCmd)

	util.SetFlagsFromEnvVars(rootCmd)
}

// SetupCloseHandler cancels the context on SIGINT and SIGTERM
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-termCh:
			log.Info("shutdown signal received")
		}
		signal.Stop(termCh)
		cancel()
	}()
}

// loadConfig reads the config file when it exists and applies the flags on top
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debugf("config file %s not found, using defaults", configPath)
		cfg = config.Default()
	case err != nil:
		return nil, err
	}

	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if sourceDir != "" {
		cfg.SourceDir = sourceDir
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if failurePolicy != "" {
		cfg.FailurePolicy = config.FailurePolicy(failurePolicy)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newManager builds the update manager over the data dir of cfg. After a swap
// the process is replaced by the entrypoint of the new active install, started
// with the same arguments.
func newManager(cfg *config.Config, mtr *metrics.Metrics) (*updatemanager.Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	entrypoint := filepath.Join(cfg.DataDir, cfg.ActiveRoot, cfg.Entrypoint)
	restarter := restart.NewExec(entrypoint, os.Args[1:])

	return updatemanager.NewManager(cfg, storage.NewOsFs(cfg.DataDir), restarter, updatemanager.WithMetrics(mtr))
}
