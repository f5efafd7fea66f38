package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/weighstation/weighstation/util"
)

var (
	forceInit bool

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "manages the config file",
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "writes a config file with the defaults and the given flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			if util.FileExists(configPath) && !forceInit {
				return fmt.Errorf("config file %s already exists, use --force to overwrite it", configPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if err := cfg.Save(cmd.Context(), configPath); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			log.Infof("config written to %s", configPath)
			return nil
		},
	}
)

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing config file")
}
