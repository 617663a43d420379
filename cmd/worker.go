package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/ensemble/config"
	"github.com/mohammad-safakhou/ensemble/internal/results"
	"github.com/mohammad-safakhou/ensemble/internal/worker"
	"github.com/mohammad-safakhou/ensemble/internal/workflow"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var simID int64
	var jobID string

	var workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute runs for a simulation",
		Long: `Polls the store for claimable runs, materializes each trial's inputs,
executes the project workflow steps, and records the outcome. Exits when
the store reports nothing left to claim for enough consecutive polls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

			ctx, stop := signalContext()
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.DB.Close()

			project, err := workflow.LoadProject(cfg.Files.Project)
			if err != nil {
				return err
			}

			// The collector stays nil unless results are configured, so
			// the processor skips collection instead of calling through a
			// typed-nil interface.
			var collector worker.Collector
			if cfg.Results.AutoCollect && cfg.Files.Results != "" {
				spec, err := results.Load(cfg.Files.Results)
				if err != nil {
					return err
				}
				c, err := results.NewCollector(st, spec, project, cfg, cfg.Simulation.Workspace,
					log.New(os.Stdout, "[COLLECT] ", log.LstdFlags))
				if err != nil {
					return err
				}
				collector = c
			}

			p, err := worker.NewProcessor(st, nil, nil, project, cfg, collector, worker.Options{
				Workspace:        cfg.Simulation.Workspace,
				JobID:            jobID,
				PollInterval:     cfg.Worker.PollInterval,
				IdleExitPolls:    cfg.Worker.IdleExitPolls,
				MinutesPerRun:    cfg.Dispatch.MinutesPerRun,
				ShutdownWhenIdle: cfg.Dispatch.ShutdownWhenIdle,
				ReferenceInputs:  cfg.Files.ReferenceInputs,
				AutoCollect:      collector != nil,
			}, logger)
			if err != nil {
				return err
			}
			return p.Run(ctx, simID)
		},
	}

	workerCmd.Flags().Int64Var(&simID, "sim", 0, "simulation id to work on")
	workerCmd.Flags().StringVar(&jobID, "job", "", "cluster job id this worker runs inside")
	workerCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = workerCmd.MarkFlagRequired("sim")
	return workerCmd
}
