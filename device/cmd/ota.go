package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weighstation/weighstation/device/internal/updatemanager"
)

var (
	otaCmd = &cobra.Command{
		Use:   "ota",
		Short: "over-the-air update commands",
	}

	otaCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "checks whether the update server publishes a newer release",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ctx, cancel, err := setupOTA(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			available, err := m.CheckOnly(ctx)
			if err != nil {
				return fmt.Errorf("check for update: %w", err)
			}

			if available {
				cmd.Printf("update available, running %s\n", m.ActiveVersion())
				return nil
			}
			cmd.Printf("up to date, running %s\n", m.ActiveVersion())
			return nil
		},
	}

	otaUpdateCmd = &cobra.Command{
		Use:   "update",
		Short: "downloads and installs the latest release, restarting into it",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ctx, cancel, err := setupOTA(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			if _, err := m.ResumeOnBoot(ctx); err != nil {
				return fmt.Errorf("resume staged install: %w", err)
			}

			installed, err := m.DownloadAndInstall(ctx)
			if err != nil {
				return fmt.Errorf("update: %w", err)
			}
			if !installed {
				cmd.Printf("nothing installed, running %s\n", m.ActiveVersion())
			}
			return nil
		},
	}

	otaResumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "installs a completely staged release left by an interrupted update",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ctx, cancel, err := setupOTA(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			outcome, err := m.ResumeOnBoot(ctx)
			if err != nil {
				return fmt.Errorf("resume staged install: %w", err)
			}
			cmd.Printf("%s, running %s\n", outcome, m.ActiveVersion())
			return nil
		},
	}
)

func setupOTA(cmd *cobra.Command) (*updatemanager.Manager, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	m, err := newManager(cfg, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	SetupCloseHandler(ctx, cancel)
	return m, ctx, cancel, nil
}
