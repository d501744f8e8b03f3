package main

import (
	"github.com/spf13/cobra"

	"github.com/scanrelay/agent/internal/route"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the directory mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			destinations, err := route.NewDestinationMap(cfg.Mappings, cfg.AllowNested)
			if err != nil {
				return err
			}

			cmd.Printf("watch_dir: %s\n", cfg.WatchDir)
			cmd.Printf("destination: %s\n", cfg.Destination.Kind)
			for _, e := range destinations.Entries() {
				cmd.Printf("  %s -> %s\n", e.Dir, e.Destination)
			}
			cmd.Println("configuration OK")
			return nil
		},
	}
}
