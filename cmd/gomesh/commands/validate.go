package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gomesh/internal/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: region=%s freq=%d Hz sf=%d\n",
				cfg.Radio.Region, cfg.Radio.FrequencyHz, cfg.Radio.SpreadingFactor)
			return nil
		},
	}
}
