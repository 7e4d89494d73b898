package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dayflow/internal/day"
	"dayflow/internal/orchestrator"
	"dayflow/internal/shard"
	"dayflow/internal/status"
	"dayflow/logger"
)

// stopTimeout bounds the final Stop of an in-process capture service.
const stopTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API and monitor the active trading day",
	Long: `Serve the read-only status API and health check the active trading day
every orchestrator.health_interval.

Capture processes without a configured control URL run inside this process:
the shard manager as ingestion and, when gap streams are configured, the gap
recorder as archival. On startup days left in STARTING, ENDING or ERROR are
recovered and the in-process services of an ACTIVE day are started again.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log.WithComponent("main").WithFields(logger.Fields{"env": a.env})

	log.WithEnv("APP_ENV", "DAYFLOW_ENV").WithFields(logger.Fields{
		"service": cfg.Dayflow.Name,
		"version": cfg.Dayflow.Version,
	}).Info("starting dayflow")

	in, runner, err := inProcess(ctx, a)
	if err != nil {
		return err
	}
	o, err := a.orchestrator(ctx, in)
	if err != nil {
		return err
	}

	resume(ctx, a, o, in)

	srv := status.NewServer(cfg.Status, a.env, status.Sources{
		Days:    a.days,
		History: a.history,
		Cache:   a.cache,
		DataDir: cfg.Storage.Local.Dir,
	}, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		o.Monitor(gctx, a.env, cfg.Orchestrator.HealthInterval)
		return nil
	})
	err = g.Wait()

	if runner != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if serr := runner.Stop(stopCtx, a.env); serr != nil {
			log.WithError(serr).Warn("shard runner did not stop cleanly")
		}
	}
	log.Info("dayflow stopped")
	return err
}

// inProcess builds the capture services that have no control URL.
func inProcess(ctx context.Context, a *app) (local, *shard.Runner, error) {
	var in local
	var runner *shard.Runner
	log := a.log.WithComponent("main").WithFields(logger.Fields{"env": a.env})

	if a.cfg.Activities.Ingestion.URL == "" {
		r, err := a.shardRunner(a.seedMaster())
		if err != nil {
			return in, nil, err
		}
		runner = r
		in.ingestion = r
		log.Info("running ingestion in process")
	}

	if a.cfg.Activities.Archival.URL == "" && len(a.cfg.Gaps.Streams) > 0 {
		if a.cfg.Journal.URL == "" {
			log.Warn("gap streams configured without a broker; archival is not managed")
			return in, runner, nil
		}
		sink, err := a.manifestSink(ctx)
		if err != nil {
			return in, runner, err
		}
		rec, err := a.recorder(sink)
		if err != nil {
			return in, runner, err
		}
		in.archival = rec
		in.verifier = a.manifestVerifier(sink)
		log.Info("running archival in process")
	}
	return in, runner, nil
}

// resume settles the days a previous run left behind.
func resume(ctx context.Context, a *app, o *orchestrator.Orchestrator, in local) {
	log := a.log.WithComponent("main").WithFields(logger.Fields{"env": a.env})
	days, err := a.days.List(ctx, a.env)
	if err != nil {
		log.WithError(err).Warn("failed to list days; skipping recovery")
		return
	}
	for _, td := range days {
		dlog := log.WithFields(logger.Fields{"date": td.Date, "state": td.State})
		switch td.State {
		case day.Starting, day.Ending, day.Error:
			recovered, err := o.Recover(ctx, td.Key())
			if err != nil {
				dlog.WithError(err).Warn("recovery failed")
				continue
			}
			dlog.WithField("now", recovered.State).Info("recovered day")
		case day.Active:
			for name, svc := range map[string]orchestrator.Service{"ingestion": in.ingestion, "archival": in.archival} {
				if svc == nil {
					continue
				}
				if err := svc.Start(ctx, a.env, td.Date); err != nil {
					dlog.WithError(err).WithField("service", name).Warn("failed to resume service")
				}
			}
		}
	}
}
