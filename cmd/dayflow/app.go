package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nats-io/nats.go"

	"dayflow/config"
	"dayflow/internal/activity"
	"dayflow/internal/broker"
	"dayflow/internal/cache"
	"dayflow/internal/day"
	"dayflow/internal/gap"
	"dayflow/internal/history"
	"dayflow/internal/journal"
	"dayflow/internal/orchestrator"
	"dayflow/internal/shard"
	"dayflow/logger"
)

// app holds the stores and connections shared by every command.
type app struct {
	cfg     *config.Config
	env     string
	journal journal.Journal
	cache   cache.Cache
	days    *day.Machine
	history *history.Projector
	log     *logger.Log

	nc      *nats.Conn
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, env: cfg.Environment, log: logger.GetLogger()}

	switch cfg.Journal.Driver {
	case "nats":
		j, err := journal.NewNATS(cfg.Journal)
		if err != nil {
			return nil, err
		}
		a.journal = j
		a.closers = append(a.closers, j)
	default:
		a.log.WithComponent("main").Warn("using the in-memory journal; day history is lost on exit")
		a.journal = journal.NewMemory()
	}

	switch cfg.Cache.Driver {
	case "redis":
		c, err := cache.NewRedis(ctx, cfg.Cache)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = c
		a.closers = append(a.closers, c)
	default:
		a.cache = cache.NewMemory()
	}

	a.days = day.NewMachine(a.journal, a.cache, day.WithPageSize(cfg.Journal.PageSize))
	a.history = history.NewProjector(a.journal, history.WithPageSize(cfg.Journal.PageSize))
	return a, nil
}

func (a *app) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithComponent("main").WithError(err).Warn("close failed")
		}
	}
}

func (a *app) key(date day.Date) day.Key {
	return day.Key{Environment: a.env, Date: date}
}

// broker connects to the NATS server that carries the journal, the CDC feed
// and the captured market data.
func (a *app) broker() (*nats.Conn, error) {
	if a.nc != nil {
		return a.nc, nil
	}
	if a.cfg.Journal.URL == "" {
		return nil, fmt.Errorf("journal.url is required to reach the broker")
	}
	nc, err := broker.Connect(a.cfg.Journal.URL, a.cfg.Dayflow.Name+"-"+a.env, a.cfg.Journal.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	a.nc = nc
	return nc, nil
}

func (a *app) endpoint(name string, ep config.ServiceEndpoint) (*activity.HTTPService, error) {
	if ep.URL == "" {
		return nil, nil
	}
	return activity.NewHTTPService(name, ep, a.cfg.Activities.CircuitBreaker)
}

func (a *app) seedMaster() *shard.SeedMaster {
	return shard.NewSeedMaster(a.cfg.Shards.InstrumentsFile, a.cache)
}

// shardRunner builds the ingestion process. Without a broker it captures
// nothing beyond the seed file and publishes nowhere.
func (a *app) shardRunner(seeder shard.Seeder) (*shard.Runner, error) {
	opts := []shard.RunnerOption{shard.WithCache(a.cache), shard.WithSeeder(seeder)}
	if a.cfg.Journal.URL != "" {
		nc, err := a.broker()
		if err != nil {
			return nil, err
		}
		opts = append(opts, shard.WithPublisher(nc))
		if a.cfg.Shards.CDC.Stream != "" {
			pull, err := broker.NewPull(nc, a.cfg.Shards.CDC)
			if err != nil {
				return nil, err
			}
			opts = append(opts, shard.WithSource(shard.NewCDCSource(pull)))
		}
	}
	return shard.NewRunner(a.env, a.cfg.Shards, opts...)
}

func (a *app) manifestSink(ctx context.Context) (gap.Sink, error) {
	return gap.NewSink(ctx, a.cfg)
}

func (a *app) manifestVerifier(sink gap.Sink) *gap.ManifestVerifier {
	g := a.cfg.Gaps
	return gap.NewManifestVerifier(sink, g.ManifestPrefix, g.Feed, g.Streams)
}

// recorder builds the archival process: one durable consumer per captured
// stream, named after the gaps durable and the stream.
func (a *app) recorder(sink gap.Sink) (*gap.Recorder, error) {
	nc, err := a.broker()
	if err != nil {
		return nil, err
	}
	g := a.cfg.Gaps
	factory := func(stream string) (broker.Consumer, error) {
		cc := g.Consumer
		cc.Stream = stream
		cc.Durable = g.Consumer.Durable + "-" + strings.ToLower(stream)
		return broker.NewPull(nc, cc)
	}
	w := gap.NewManifestWriter(sink, g.ManifestPrefix, g.Compression)
	return gap.NewRecorder(a.env, g.Feed, g.Streams, factory, w,
		gap.WithCache(a.cache),
		gap.WithStatusInterval(g.StatusInterval),
	)
}

// local carries the processes a command runs itself. Nil members fall back
// to their configured endpoint or to a no-op.
type local struct {
	ingestion orchestrator.Service
	archival  orchestrator.Service
	verifier  orchestrator.ArchiveVerifier
}

// services resolves every orchestrator activity target. A configured URL
// always wins over an in-process implementation.
func (a *app) services(ctx context.Context, in local) (orchestrator.Services, error) {
	act := a.cfg.Activities
	svc := orchestrator.Services{
		SecurityMaster: a.seedMaster(),
		Ingestion:      activity.Noop{Name: "ingestion"},
		Archival:       activity.Noop{Name: "archival"},
		Gateway:        activity.Noop{Name: "gateway"},
		Verifier:       activity.Noop{Name: "archival"},
	}

	secmaster, err := a.endpoint("security_master", act.SecurityMaster)
	if err != nil {
		return svc, err
	}
	if secmaster != nil {
		svc.SecurityMaster = secmaster
	}

	ingestion, err := a.endpoint("ingestion", act.Ingestion)
	if err != nil {
		return svc, err
	}
	switch {
	case ingestion != nil:
		svc.Ingestion = ingestion
	case in.ingestion != nil:
		svc.Ingestion = in.ingestion
	}

	archival, err := a.endpoint("archival", act.Archival)
	if err != nil {
		return svc, err
	}
	switch {
	case archival != nil:
		svc.Archival = archival
		svc.Verifier = archival
	case in.archival != nil:
		svc.Archival = in.archival
	}
	if archival == nil {
		switch {
		case in.verifier != nil:
			svc.Verifier = in.verifier
		case len(a.cfg.Gaps.Streams) > 0:
			sink, err := a.manifestSink(ctx)
			if err != nil {
				return svc, err
			}
			svc.Verifier = a.manifestVerifier(sink)
		}
	}

	gateway, err := a.endpoint("gateway", act.Gateway)
	if err != nil {
		return svc, err
	}
	if gateway != nil {
		svc.Gateway = gateway
	}
	return svc, nil
}

func (a *app) orchestrator(ctx context.Context, in local) (*orchestrator.Orchestrator, error) {
	svc, err := a.services(ctx, in)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(a.days, svc, a.cfg.Orchestrator), nil
}
