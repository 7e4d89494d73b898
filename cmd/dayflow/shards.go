package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"dayflow/internal/activity"
	"dayflow/internal/cache"
	"dayflow/internal/shard"
	"dayflow/logger"
)

var shardsAddr string

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "Run and inspect the subscription shard manager",
}

var shardsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion process behind its control API",
	Long: `Run the shard manager as the ingestion process of the environment.

The process idles until the orchestrator starts a trading day through the
control API, then subscribes the day's instrument universe across shards and
follows the security master CDC feed. It also serves the security master
sync activity from the instrument seed file.`,
	Args: cobra.NoArgs,
	RunE: runShards,
}

var shardsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last shard layout reported by the ingestion process",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) (any, error) {
		var st shard.Status
		if err := cache.GetJSON(ctx, a.cache, shard.StatusKey(a.env), &st); err != nil {
			return nil, err
		}
		return st, nil
	}),
}

var shardsRebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Ask the running ingestion process to compact its shard layout",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) (any, error) {
		svc, err := a.endpoint("ingestion", a.cfg.Activities.Ingestion)
		if err != nil {
			return nil, err
		}
		if svc == nil {
			return nil, errors.New("activities.ingestion.url is not configured")
		}
		if err := svc.Rebalance(ctx, a.env); err != nil {
			return nil, err
		}
		var st shard.Status
		if err := cache.GetJSON(ctx, a.cache, shard.StatusKey(a.env), &st); err != nil {
			return nil, err
		}
		return st, nil
	}),
}

func init() {
	shardsRunCmd.Flags().StringVar(&shardsAddr, "addr", ":9101", "control API listen address")
	shardsCmd.AddCommand(shardsRunCmd, shardsShowCmd, shardsRebalanceCmd)
	rootCmd.AddCommand(shardsCmd)
}

func runShards(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	seed := a.seedMaster()
	runner, err := a.shardRunner(seed)
	if err != nil {
		return err
	}
	ctrl := activity.NewControlServer("ingestion", shardsAddr, activity.Targets{
		Service:    runner,
		Syncer:     seed,
		Rebalancer: runner,
		Reporter:   runner,
	})

	log := a.log.WithComponent("main").WithFields(logger.Fields{"env": a.env, "addr": shardsAddr})
	log.Info("ingestion process ready")

	err = ctrl.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if serr := runner.Stop(stopCtx, a.env); serr != nil {
		log.WithError(serr).Warn("shard runner did not stop cleanly")
	}
	log.Info("ingestion process stopped")
	return err
}
