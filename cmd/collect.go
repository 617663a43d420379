package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/ensemble/config"
	"github.com/mohammad-safakhou/ensemble/internal/results"
	"github.com/mohammad-safakhou/ensemble/internal/workflow"
	"github.com/mohammad-safakhou/ensemble/utils"
)

func collectCMD() *cobra.Command {
	var cfgPath string
	var simID int64
	var trialStr string

	var collect = &cobra.Command{
		Use:   "collect",
		Short: "Extract results from succeeded runs",
		Long: `Reads each succeeded run's query output files, extracts the values the
results file describes, and stores them. Diff results are recomputed from
the stored scalars afterwards. Collection is idempotent: recollecting a
run replaces its previously stored values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(os.Stdout, "[COLLECT] ", log.LstdFlags)

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
			spec, err := results.Load(cfg.Files.Results)
			if err != nil {
				return err
			}

			var trials []int
			if trialStr != "" {
				trials, err = utils.ParseTrialString(trialStr)
				if err != nil {
					return err
				}
			}

			c, err := results.NewCollector(st, spec, project, cfg, cfg.Simulation.Workspace, logger)
			if err != nil {
				return err
			}
			_, err = c.Collect(ctx, simID, trials)
			return err
		},
	}

	collect.Flags().Int64Var(&simID, "sim", 0, "simulation id to collect")
	collect.Flags().StringVar(&trialStr, "trials", "", `trial subset, e.g. "4,7-9" (default all)`)
	collect.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = collect.MarkFlagRequired("sim")
	return collect
}
