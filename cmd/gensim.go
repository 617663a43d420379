package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/ensemble/config"
	"github.com/mohammad-safakhou/ensemble/internal/params"
	"github.com/mohammad-safakhou/ensemble/internal/store"
	"github.com/mohammad-safakhou/ensemble/internal/workflow"
)

func gensimCMD() *cobra.Command {
	var cfgPath string
	var desc string
	var trials int
	var simID int64
	var seed int64

	var gensim = &cobra.Command{
		Use:   "gensim",
		Short: "Create a simulation and compile its trial draws",
		Long: `Creates the simulation row, one experiment per project scenario, the
trial set, and the per-trial input values drawn from the parameter file.
Draws are write-once: rerunning with --sim fills in whatever an
interrupted compile did not persist and changes nothing else.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(os.Stdout, "[COMPILE] ", log.LstdFlags)

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
			reg := params.NewRegistry()
			pf, err := params.Load(cfg.Files.Params, reg)
			if err != nil {
				return err
			}
			if seed == 0 {
				seed = cfg.Simulation.Seed
			}

			if simID == 0 {
				if trials <= 0 {
					return fmt.Errorf("--trials must be > 0 for a new simulation")
				}
				simID, err = st.CreateSimulation(ctx, project.Project, desc, trials, seed)
				if err != nil {
					return err
				}
				for _, sc := range project.Scenarios {
					if _, err := st.CreateExperiment(ctx, simID, sc.Name, sc.Role(), sc.Description); err != nil {
						return err
					}
				}
				if err := st.CreateTrials(ctx, simID, trials); err != nil {
					return err
				}
				logger.Printf("created simulation %d (%s) with %d trials", simID, project.Project, trials)
			} else {
				sim, ok, err := st.GetSimulation(ctx, simID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("simulation %d not found", simID)
				}
				trials = sim.Trials
				seed = sim.Seed
				logger.Printf("resuming compile for simulation %d (%s)", simID, sim.Name)
			}

			exps, err := st.ListExperiments(ctx, simID)
			if err != nil {
				return err
			}
			expNames := make([]string, len(exps))
			expIDs := make(map[string]int64, len(exps))
			for i, e := range exps {
				expNames[i] = e.Name
				expIDs[e.Name] = e.ExpID
			}

			compiled, err := params.Compile(pf, reg, trials, expNames, uint64(seed))
			if err != nil {
				return err
			}

			paramIDs := make(map[string]int64, len(compiled.Params))
			for _, p := range compiled.Params {
				dist, err := json.Marshal(p.Distribution)
				if err != nil {
					return fmt.Errorf("parameter %q: %w", p.Name, err)
				}
				id, err := st.UpsertParameter(ctx, store.Parameter{
					SimID:     simID,
					Name:      p.Name,
					Mode:      p.Mode,
					Apply:     p.Apply,
					Dist:      dist,
					LowBound:  p.LowBound,
					HighBound: p.HighBound,
				})
				if err != nil {
					return err
				}
				paramIDs[p.Name] = id
			}

			vals := make([]store.InputValue, 0, len(compiled.Draws))
			for _, d := range compiled.Draws {
				iv := store.InputValue{
					ParamID:  paramIDs[d.Parameter],
					TrialNum: d.TrialNum,
					Value:    d.Value,
				}
				if d.Experiment != "" {
					id, ok := expIDs[d.Experiment]
					if !ok {
						return fmt.Errorf("draw references unknown experiment %q", d.Experiment)
					}
					iv.ExpID = &id
				}
				vals = append(vals, iv)
			}
			if err := st.SaveInputValues(ctx, simID, vals); err != nil {
				return err
			}

			logger.Printf("simulation %d: %d parameters, %d draws over %d trials, seed %d",
				simID, len(compiled.Params), len(vals), trials, seed)
			return nil
		},
	}

	gensim.Flags().IntVar(&trials, "trials", 0, "number of trials for a new simulation")
	gensim.Flags().StringVar(&desc, "desc", "", "simulation description")
	gensim.Flags().Int64Var(&simID, "sim", 0, "existing simulation id, to resume an interrupted compile")
	gensim.Flags().Int64Var(&seed, "seed", 0, "sampling seed (default simulation.seed from config)")
	gensim.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return gensim
}
