package orchestrator

import (
	"context"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/runnerhub/runnerhub/pkg/api"
	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/dispatch"
	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/ingress"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/network"
	"github.com/runnerhub/runnerhub/pkg/pool"
	"github.com/runnerhub/runnerhub/pkg/queue"
	"github.com/runnerhub/runnerhub/pkg/reconciler"
	"github.com/runnerhub/runnerhub/pkg/router"
	"github.com/runnerhub/runnerhub/pkg/runtime"
	"github.com/runnerhub/runnerhub/pkg/scaler"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
	"github.com/runnerhub/runnerhub/pkg/upstream"
)

// snapshotInterval paces the monitoring snapshot published on the bus.
const snapshotInterval = 10 * time.Second

// Orchestrator owns every process-wide singleton and wires them
// together: store, queue, bus, engine clients, and the components
// built on top. It starts them in dependency order and shuts them
// down in reverse.
type Orchestrator struct {
	cfg *config.Config

	store      *storage.SQLiteStore
	queue      *queue.Queue
	bus        *events.Bus
	engine     *client.Client
	runtime    *runtime.DockerRuntime
	containers *runtime.Manager
	cleaner    *runtime.Cleaner
	isolator   *network.Isolator
	upstream   *upstream.Client
	router     *router.Router
	pools      *pool.Manager
	scaler     *scaler.Scaler
	ingress    *ingress.Ingress
	dispatcher *dispatch.Dispatcher
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	api        *api.Server

	logger zerolog.Logger
}

// New opens the durable stores, connects to the container engine, and
// constructs every component. Nothing runs until Run.
func New(cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg,
		logger: log.WithComponent("orchestrator"),
	}

	store, err := storage.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	o.store = store
	metrics.RegisterComponent("store", true, "open")

	q, err := queue.Open(cfg.Queue.Path, queue.Config{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		StarvationLimit: cfg.Queue.StarvationLimit,
	})
	if err != nil {
		o.store.Close()
		return nil, err
	}
	o.queue = q
	metrics.RegisterComponent("queue", true, "open")

	engine, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		o.queue.Close()
		o.store.Close()
		return nil, types.Unavailablef("failed to connect to docker daemon: %v", err)
	}
	o.engine = engine
	metrics.RegisterComponent("runtime", true, "connected")

	o.bus = events.NewBus()
	o.runtime = runtime.NewDockerRuntimeWithClient(engine)
	o.isolator = network.NewIsolator(engine, store, o.bus, cfg.Network)
	o.containers = runtime.NewManager(o.runtime, store, o.bus, o.isolator, cfg.Container, cfg.DataDir)
	o.cleaner = runtime.NewCleaner(o.containers, store, cfg.Cleanup)
	o.upstream = upstream.New(cfg.Upstream)
	o.router = router.New(store)
	o.pools = pool.NewManager(store, o.upstream, o.containers, o.isolator, o.bus, cfg)
	o.scaler = scaler.New(store, o.pools, cfg.Autoscaler)
	o.ingress = ingress.New(store, q, cfg.Webhook)
	o.dispatcher = dispatch.New(q, store, o.router, o.pools, o.bus, cfg.Dispatch)
	o.reconciler = reconciler.New(store, o.containers, o.runtime, time.Minute)
	o.collector = metrics.NewCollector(store, q)
	o.api = api.NewServer(api.Deps{
		Store:   store,
		Queue:   q,
		Router:  o.router,
		Pools:   o.pools,
		Scaler:  o.scaler,
		Ingress: o.ingress,
		Reaper:  o.isolator,
		Engine:  o.containers,
		Bus:     o.bus,
		Config:  cfg,
	})

	return o, nil
}

// Run starts everything and blocks until ctx is cancelled or a fatal
// component error occurs, then shuts down in reverse order: the API
// drains first so no new work arrives, loops stop, dispatcher workers
// finish their reservations, and the durable stores close last.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.bus.Start()
	o.upstream.Start(ctx)

	if err := o.queue.Start(ctx); err != nil {
		return err
	}
	if err := o.router.Refresh(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Initial rule load failed; router starts empty")
	}

	// Repair whatever a previous crash left behind before accepting
	// new work.
	o.reconciler.Reconcile(ctx)

	o.collector.Start()
	defer o.collector.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.api.Start() })
	g.Go(func() error { return o.dispatcher.Run(gctx) })
	g.Go(func() error { o.scaler.Run(gctx); return nil })
	g.Go(func() error { o.cleaner.Run(gctx); return nil })
	g.Go(func() error { o.isolator.RunReaper(gctx); return nil })
	g.Go(func() error { o.containers.RunSampler(gctx); return nil })
	g.Go(func() error { o.containers.RunHealthLoop(gctx); return nil })
	g.Go(func() error { o.pools.RunHealthLoop(gctx); return nil })
	g.Go(func() error { o.reconciler.Run(gctx); return nil })
	g.Go(func() error { o.snapshotLoop(gctx); return nil })

	// The API server doesn't watch gctx itself; stop it when the group
	// winds down so Start returns.
	g.Go(func() error {
		<-gctx.Done()
		metrics.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(o.cfg.Server.ShutdownGraceS)*time.Second)
		defer cancel()
		return o.api.Shutdown(shutdownCtx)
	})

	o.logger.Info().Msg("Orchestrator running")
	err := g.Wait()

	o.shutdown()
	return err
}

// shutdown closes the singletons in reverse dependency order. Loops
// and workers have already drained by the time this runs.
func (o *Orchestrator) shutdown() {
	o.logger.Info().Msg("Shutting down")

	o.upstream.Close()
	o.bus.Stop()

	if err := o.queue.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Queue close failed")
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Store close failed")
	}
	if err := o.engine.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Engine client close failed")
	}

	o.logger.Info().Msg("Shutdown complete")
}
