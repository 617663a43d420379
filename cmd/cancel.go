package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/ensemble/config"
	"github.com/mohammad-safakhou/ensemble/internal/store"
)

func cancelCMD() *cobra.Command {
	var cfgPath string
	var simID int64

	var cancel = &cobra.Command{
		Use:   "cancel",
		Short: "Request cancellation of a simulation",
		Long: `Sets the simulation's cancel flag and aborts its pending runs. A running
master observes the flag within one poll and aborts the queued and
running remainder, cancelling their cluster jobs. Aborting pending runs
here lets cancellation finish even when no master is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signalContext()
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.DB.Close()

			if err := st.RequestCancel(ctx, simID); err != nil {
				return err
			}
			n, err := st.AbortRuns(ctx, simID, []string{store.RunStatusPending}, "cancelled by user")
			if err != nil {
				return err
			}
			fmt.Printf("simulation %d: cancel requested, %d pending runs aborted\n", simID, n)
			return nil
		},
	}

	cancel.Flags().Int64Var(&simID, "sim", 0, "simulation id to cancel")
	cancel.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = cancel.MarkFlagRequired("sim")
	return cancel
}
