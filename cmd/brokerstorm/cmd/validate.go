package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"brokerstorm/internal/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a scenario file without connecting to the broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return fail(err)
			}
			if err := cfg.Validate(); err != nil {
				return fail(err)
			}
			logger := log.New()
			logger.SetOutput(cmd.ErrOrStderr())
			if _, err := newDialer(cfg, logger); err != nil {
				return fail(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d publishers, %d subscribers, %s %q via %s)\n",
				args[0], cfg.Publishers.Count, cfg.Subscribers.Count,
				cfg.Destination.Kind, cfg.Destination.Name, cfg.Broker.Transport)
			return nil
		},
	}
}
