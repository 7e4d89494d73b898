package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"dayflow/internal/activity"
	"dayflow/internal/cache"
	"dayflow/internal/gap"
	"dayflow/logger"
)

var (
	gapsAddr   string
	gapsStream string
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Run the sequence gap recorder and read its manifests",
}

var gapsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the archival process behind its control API",
	Long: `Run the gap recorder as the archival process of the environment.

While a trading day is active every configured stream is followed and its
sequence coverage tracked. Stopping the day writes one manifest per stream,
and the verify route reports whether all of them exist.`,
	Args: cobra.NoArgs,
	RunE: runGaps,
}

var gapsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the coverage last reported by the archival process",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, _ []string) (any, error) {
		var st gap.Status
		if err := cache.GetJSON(ctx, a.cache, gap.StatusKey(a.env), &st); err != nil {
			return nil, err
		}
		return st, nil
	}),
}

var gapsManifestCmd = &cobra.Command{
	Use:   "manifest [DATE]",
	Short: "Print the stored manifests of a trading day",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) (any, error) {
		date, err := dateArg(args)
		if err != nil {
			return nil, err
		}
		sink, err := a.manifestSink(ctx)
		if err != nil {
			return nil, err
		}
		streams := a.cfg.Gaps.Streams
		if gapsStream != "" {
			streams = []string{gapsStream}
		}
		g := a.cfg.Gaps
		out := make(map[string]any, len(streams))
		var errs []error
		for _, stream := range streams {
			m, err := gap.ReadManifest(ctx, sink, g.ManifestPrefix, a.env, g.Feed, stream, string(date))
			if err != nil {
				out[stream] = map[string]string{"error": err.Error()}
				errs = append(errs, err)
				continue
			}
			out[stream] = m
		}
		return out, errors.Join(errs...)
	}),
}

func init() {
	gapsRunCmd.Flags().StringVar(&gapsAddr, "addr", ":9102", "control API listen address")
	gapsManifestCmd.Flags().StringVar(&gapsStream, "stream", "", "only print this stream")
	gapsCmd.AddCommand(gapsRunCmd, gapsShowCmd, gapsManifestCmd)
	rootCmd.AddCommand(gapsCmd)
}

func runGaps(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if len(cfg.Gaps.Streams) == 0 {
		return errors.New("gaps.streams is empty; nothing to record")
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sink, err := a.manifestSink(ctx)
	if err != nil {
		return err
	}
	rec, err := a.recorder(sink)
	if err != nil {
		return err
	}
	ctrl := activity.NewControlServer("archival", gapsAddr, activity.Targets{
		Service:  rec,
		Verifier: a.manifestVerifier(sink),
		Reporter: rec,
	})

	log := a.log.WithComponent("main").WithFields(logger.Fields{"env": a.env, "addr": gapsAddr, "streams": cfg.Gaps.Streams})
	log.Info("archival process ready")

	err = ctrl.Run(ctx)

	// A day still recording when the process exits keeps its windows open;
	// the durable consumers resume from their ack floor on restart.
	if rec.Status().Running {
		log.Warn("exiting while a trading day is recording; manifests not written")
	}
	log.Info("archival process stopped")
	return err
}
