package main

import (
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/ensemble/config"
	"github.com/mohammad-safakhou/ensemble/internal/cluster"
	"github.com/mohammad-safakhou/ensemble/internal/dispatch"
)

func runsimCMD() *cobra.Command {
	var cfgPath string
	var simID int64
	var local bool

	var runsim = &cobra.Command{
		Use:   "runsim",
		Short: "Run the dispatch master for a simulation",
		Long: `Queues pending runs, sizes the worker pool to the backlog, and watches
cluster jobs until the simulation reaches a terminal state. Workers are
launched through the configured cluster manager; --local forces local
subprocesses regardless of cluster.mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(os.Stdout, "[MASTER] ", log.LstdFlags)

			ctx, stop := signalContext()
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.DB.Close()

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis connection failed: %w", err)
			}
			defer rdb.Close()

			mgr, err := buildManager(cfg, local)
			if err != nil {
				return err
			}

			master, err := dispatch.NewMaster(st, mgr, rdb, dispatch.Options{
				PollInterval:     cfg.Dispatch.PollInterval,
				MinutesPerRun:    cfg.Dispatch.MinutesPerRun,
				MaxRetries:       cfg.Dispatch.MaxRetries,
				MaxWorkers:       cfg.Dispatch.MaxWorkers,
				SweepSchedule:    cfg.Dispatch.SweepSchedule,
				ShutdownWhenIdle: cfg.Dispatch.ShutdownWhenIdle,
				MetricsPort:      cfg.Dispatch.MetricsPort,
			}, logger)
			if err != nil {
				return err
			}
			return master.Run(ctx, simID)
		},
	}

	runsim.Flags().Int64Var(&simID, "sim", 0, "simulation id to run")
	runsim.Flags().BoolVar(&local, "local", false, "launch workers as local subprocesses")
	runsim.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = runsim.MarkFlagRequired("sim")
	return runsim
}

// buildManager picks the cluster backend. Local mode spawns this binary's
// worker subcommand; command mode shells out to the configured scheduler
// templates (sbatch, qsub, or anything with submit/cancel/poll commands).
func buildManager(cfg *config.Config, local bool) (cluster.Manager, error) {
	logger := log.New(os.Stdout, "[CLUSTER] ", log.LstdFlags)
	if local || cfg.Cluster.Mode == config.ClusterModeLocal {
		return cluster.NewLocalManager("", cfg.Cluster.LocalArgs, logger), nil
	}
	mgr, err := cluster.NewCommandManager(cfg.Cluster.SubmitCommand, cfg.Cluster.CancelCommand, cfg.Cluster.PollCommand, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Cluster.JobIDPattern != "" {
		mgr.JobIDPattern = cfg.Cluster.JobIDPattern
	}
	return mgr, nil
}
