package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/ensemble/config"
)

func statusCMD() *cobra.Command {
	var cfgPath string
	var simID int64

	var status = &cobra.Command{
		Use:   "status",
		Short: "Print a simulation's run status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signalContext()
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.DB.Close()

			sim, ok, err := st.GetSimulation(ctx, simID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("simulation %d not found", simID)
			}
			counts, err := st.StatusSummary(ctx, simID)
			if err != nil {
				return err
			}

			fmt.Printf("simulation %d: %s (%d trials, seed %d)\n", sim.SimID, sim.Name, sim.Trials, sim.Seed)
			if sim.Description != "" {
				fmt.Printf("  %s\n", sim.Description)
			}
			if sim.CancelRequested {
				fmt.Println("  cancel requested")
			}

			fmt.Printf("  %-20s %-10s %6s\n", "EXPERIMENT", "STATUS", "RUNS")
			total := 0
			for _, c := range counts {
				fmt.Printf("  %-20s %-10s %6d\n", c.Experiment, c.Status, c.Runs)
				total += c.Runs
			}
			fmt.Printf("  %-20s %-10s %6d\n", "total", "", total)
			return nil
		},
	}

	status.Flags().Int64Var(&simID, "sim", 0, "simulation id")
	status.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = status.MarkFlagRequired("sim")
	return status
}
