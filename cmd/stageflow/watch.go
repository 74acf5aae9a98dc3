package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/tui"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a live terminal board of every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.projectDir)
			if err != nil {
				return err
			}
			defer a.Close()
			return tui.Run(cmd.Context(), a.engine, tui.WithRefreshInterval(interval))
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "how often to poll session state")
	return cmd
}
