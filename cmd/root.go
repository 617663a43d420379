package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/ensemble/config"
	"github.com/mohammad-safakhou/ensemble/internal/store"
)

func main() {
	var root = &cobra.Command{
		Use:   "ensemble",
		Short: "Monte Carlo trial orchestration for scenario models",
	}

	root.AddCommand(
		gensimCMD(),
		runsimCMD(),
		workerCMD(),
		collectCMD(),
		statusCMD(),
		cancelCMD(),
		serveCMD(),
		tokenCMD(),
		migrateCMD(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext ends on SIGINT or SIGTERM so long-running commands can
// record state before exiting.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	return store.NewWithDSN(ctx, dsn)
}
