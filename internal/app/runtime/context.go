// Package runtime assembles one execution context: stores, connectivity,
// delivery, sync, routing, status and background wake dispatch.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/app/background"
	"github.com/coachpo/fieldcare/internal/app/connectivity"
	"github.com/coachpo/fieldcare/internal/app/router"
	"github.com/coachpo/fieldcare/internal/app/status"
	"github.com/coachpo/fieldcare/internal/app/syncer"
	"github.com/coachpo/fieldcare/internal/domain/cachestore"
	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/domain/queuestore"
	"github.com/coachpo/fieldcare/internal/domain/wakestore"
	"github.com/coachpo/fieldcare/internal/infra/bus/eventbus"
	"github.com/coachpo/fieldcare/internal/infra/config"
	"github.com/coachpo/fieldcare/internal/infra/delivery"
	"github.com/coachpo/fieldcare/internal/infra/persistence/memory"
	"github.com/coachpo/fieldcare/internal/infra/persistence/postgres"
	"github.com/coachpo/fieldcare/internal/infra/persistence/sqlite"
	"github.com/coachpo/fieldcare/internal/observability"
)

// Options adjust Build for tests and one-shot commands.
type Options struct {
	Logger observability.Logger
	// Transport carries all upstream traffic: deliveries, probes and proxied reads.
	Transport http.RoundTripper
	// Online fixes the initial connectivity and disables probing; the state then
	// changes only through Monitor.Set.
	Online *bool
	// Source labels events emitted by the foreground drainer.
	Source events.Source
}

// Context is the explicit per-execution-context object. Build it once and pass it
// to the components that need it.
type Context struct {
	Config config.AppConfig
	Logger observability.Logger

	Bus     *eventbus.MemoryBus
	Monitor *connectivity.Monitor
	Prober  *connectivity.Prober

	// Queue and Wakes are nil when the durable store could not be opened.
	Queue queuestore.Store
	Wakes wakestore.Store
	Cache cachestore.Storage

	Deliverer    *delivery.Client
	Orchestrator *syncer.Orchestrator
	Router       *router.Router
	Status       *status.Surface
	Platform     *background.Platform
	Trigger      *background.Trigger

	degraded  error
	closers   []closer
	lifecycle conc.WaitGroup
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build opens the store and wires every component. A store that cannot be
// opened does not fail Build: the context runs online-only and Degraded reports why.
func Build(ctx context.Context, cfg config.AppConfig, opts Options) (*Context, error) {
	logger := observability.Or(opts.Logger)
	c := &Context{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	c.Bus = eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.Eventbus.BufferSize,
		FanoutWorkers: cfg.Eventbus.FanoutWorkerCount(),
		Logger:        logger,
	})
	c.onClose("event bus", func(context.Context) error {
		c.Bus.Close()
		return nil
	})

	if err := c.openStores(ctx); err != nil {
		return nil, err
	}

	var httpClient *http.Client
	if opts.Transport != nil {
		httpClient = &http.Client{Transport: opts.Transport}
	}

	if err := c.buildConnectivity(ctx, opts, httpClient); err != nil {
		return nil, err
	}

	timeout := cfg.Upstream.Timeout()
	if timeout == 0 {
		timeout = -1
	}
	deliverer, err := delivery.NewClient(delivery.Config{
		BaseURL:             cfg.Upstream.BaseURL,
		WritePath:           cfg.Upstream.WritePath,
		RequestTimeout:      timeout,
		DeliveriesPerSecond: cfg.Upstream.DeliveriesPerSecond,
		Headers:             cfg.Upstream.Headers,
		HTTPClient:          httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("build delivery client: %w", err)
	}
	c.Deliverer = deliverer

	if err := c.buildBackground(); err != nil {
		return nil, err
	}

	source := opts.Source
	if source == "" {
		source = events.SourcePage
	}
	var waker syncer.WakeRequester
	if c.Platform != nil {
		waker = c.Platform
	}
	c.Orchestrator, err = syncer.New(syncer.Config{
		Monitor:   c.Monitor,
		Deliverer: c.Deliverer,
		Store:     c.Queue,
		Waker:     waker,
		WakeTag:   cfg.Background.WakeTag,
		Bus:       c.Bus,
		Source:    source,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	if err := c.buildRouter(opts.Transport); err != nil {
		return nil, err
	}

	c.Status = status.New(status.Config{
		ConnectionElement: cfg.Status.ConnectionElement,
		SyncElement:       cfg.Status.SyncElement,
		ClearAfter:        cfg.Status.ClearAfter,
		Logger:            logger,
	}, c.Monitor.IsOnline())
	detach := c.Status.Attach(c.Monitor)
	c.onClose("status surface", func(context.Context) error {
		detach()
		c.Status.Close()
		return nil
	})

	ok = true
	return c, nil
}

func (c *Context) openStores(ctx context.Context) error {
	cfg := c.Config.Store
	var err error
	switch cfg.Driver {
	case config.DriverPostgres:
		var store *postgres.Store
		store, err = postgres.Connect(ctx, postgres.Options{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			Logger:          c.Logger,
		})
		if err == nil {
			c.Queue = store.Queue()
			c.Wakes = store.Wakes()
			c.Cache = memory.NewCacheStorage()
			c.onClose("postgres store", func(context.Context) error { return store.Close() })
		}
	default:
		var db *sqlite.DB
		db, err = sqlite.Open(ctx, sqlite.Options{
			Dir:         cfg.Dir,
			Name:        cfg.Name,
			Version:     cfg.Version,
			BusyTimeout: cfg.BusyTimeout,
			Logger:      c.Logger,
		})
		if err == nil {
			c.Queue = db.Queue()
			c.Wakes = db.Wakes()
			c.Cache = db.Cache()
			c.onClose("sqlite store", func(context.Context) error { return db.Close() })
		}
	}
	switch {
	case err == nil:
		return nil
	case errs.IsCode(err, errs.CodeStoreUnavailable):
		c.degraded = err
		c.Cache = memory.NewCacheStorage()
		c.Logger.Error("offline capture disabled; running online-only",
			observability.F("driver", string(cfg.Driver)),
			observability.F("err", err))
		return nil
	default:
		return fmt.Errorf("open store: %w", err)
	}
}

func (c *Context) buildConnectivity(ctx context.Context, opts Options, client *http.Client) error {
	if opts.Online != nil {
		c.Monitor = connectivity.NewMonitor(*opts.Online,
			connectivity.WithBus(c.Bus),
			connectivity.WithLogger(c.Logger))
		return nil
	}
	prober, err := connectivity.NewProber(connectivity.ProberConfig{
		URL:        c.Config.Connectivity.ProbeURL,
		Interval:   c.Config.Connectivity.ProbeInterval,
		Timeout:    c.Config.Connectivity.ProbeTimeout,
		MaxBackoff: c.Config.Connectivity.MaxBackoff,
		HTTPClient: client,
		Logger:     c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build prober: %w", err)
	}
	c.Prober = prober
	c.Monitor = connectivity.NewMonitor(prober.Initial(ctx),
		connectivity.WithBus(c.Bus),
		connectivity.WithLogger(c.Logger))
	return nil
}

func (c *Context) buildBackground() error {
	if c.Queue == nil || c.Wakes == nil {
		return nil
	}
	trigger, err := background.NewTrigger(background.TriggerConfig{
		Store:     c.Queue,
		Deliverer: c.Deliverer,
		Bus:       c.Bus,
		Source:    events.SourceBackground,
		Logger:    c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build background trigger: %w", err)
	}
	platform, err := background.NewPlatform(background.PlatformConfig{
		Store:            c.Wakes,
		Monitor:          c.Monitor,
		RetryMaxInterval: c.Config.Background.RetryMaxInterval,
		Logger:           c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build wake platform: %w", err)
	}
	platform.Handle(c.Config.Background.WakeTag, trigger.HandleWake)
	c.Trigger = trigger
	c.Platform = platform
	c.onClose("wake platform", platform.Close)
	return nil
}

func (c *Context) buildRouter(transport http.RoundTripper) error {
	cfg := c.Config.Cache
	rules := router.NewRuleClassifier(router.Rules{
		StaticPaths:      cfg.StaticPaths,
		StaticExtensions: cfg.StaticExtensions,
		APIPrefixes:      cfg.APIPrefixes,
		OfflineDocument:  cfg.OfflineDocument,
	})
	var classifier router.Classifier = rules
	if cfg.ClassifierScript != "" {
		scripted, err := router.LoadScriptClassifier(cfg.ClassifierScript, rules, c.Logger)
		if err != nil {
			return fmt.Errorf("load classifier script: %w", err)
		}
		classifier = scripted
	}
	rt, err := router.New(router.Config{
		Upstream:        c.Config.Upstream.BaseURL,
		Version:         cfg.Version,
		StaticPrefix:    cfg.StaticPrefix,
		DynamicPrefix:   cfg.DynamicPrefix,
		Precache:        cfg.Precache,
		OfflineDocument: cfg.OfflineDocument,
		MaxEntryBytes:   cfg.MaxEntryBytes,
		Storage:         c.Cache,
		Classifier:      classifier,
		Transport:       transport,
		Logger:          c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	c.Router = rt
	return nil
}

// Degraded returns why offline capture is disabled, or nil.
func (c *Context) Degraded() error {
	return c.degraded
}

// Start launches the long-lived loops: probing, the reconnect drain hook, wake
// dispatch and status updates. The status surface is subscribed before Start
// returns. The loops stop when ctx ends; Wait blocks until they have.
func (c *Context) Start(ctx context.Context) error {
	statusDone, err := c.Status.Follow(ctx, c.Bus)
	if err != nil {
		return fmt.Errorf("follow sync events: %w", err)
	}
	c.loop(ctx, "status", func(context.Context) error { return <-statusDone })
	if c.Prober != nil {
		c.loop(ctx, "prober", func(ctx context.Context) error { return c.Prober.Run(ctx, c.Monitor) })
	}
	c.loop(ctx, "orchestrator", c.Orchestrator.Run)
	if c.Platform != nil {
		c.loop(ctx, "wake platform", c.Platform.Run)
	}
	return nil
}

// Wait blocks until every loop launched by Start has returned.
func (c *Context) Wait() {
	c.lifecycle.Wait()
}

// Run is Start followed by Wait.
func (c *Context) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	c.Wait()
	return ctx.Err()
}

func (c *Context) loop(ctx context.Context, name string, fn func(context.Context) error) {
	c.lifecycle.Go(func() {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.Logger.Error("loop exited", observability.F("loop", name), observability.F("err", err))
		}
	})
}

func (c *Context) onClose(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Close releases resources in reverse construction order.
func (c *Context) Close(ctx context.Context) error {
	var failures []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(ctx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", cl.name, err))
		}
	}
	c.closers = nil
	return observability.AggregateErrors(c.Logger, "close execution context", failures)
}
