// Package app assembles the federation engine from its configuration and
// runs it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/apclient"
	"github.com/deemkeen/fedengine/background"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/delivery"
	"github.com/deemkeen/fedengine/inbox"
	"github.com/deemkeen/fedengine/lock"
	"github.com/deemkeen/fedengine/metrics"
	"github.com/deemkeen/fedengine/move"
	"github.com/deemkeen/fedengine/notify"
	"github.com/deemkeen/fedengine/queue"
	"github.com/deemkeen/fedengine/resolver"
	"github.com/deemkeen/fedengine/service"
	"github.com/deemkeen/fedengine/util"
	"github.com/deemkeen/fedengine/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const lockTTL = 30 * time.Second

// App holds every long-lived component.
type App struct {
	Conf     *util.AppConfig
	DB       *db.DB
	Cache    *cache.Service
	Queue    *queue.Queue
	Service  *service.Service
	Resolver *resolver.Resolver
	Moves    *move.Processor
	Server   *web.Server

	registry   *prometheus.Registry
	redis      *redis.Client
	publisher  *notify.Publisher
	background *background.Executor
	cancel     context.CancelFunc
	log        *log.Logger
}

// New opens the database and builds the component graph. Nothing runs
// until Run is called.
func New(conf *util.AppConfig, logger *log.Logger) (*App, error) {
	database, err := db.Open(conf.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		Conf:       conf,
		DB:         database,
		registry:   prometheus.NewRegistry(),
		background: background.New(bgCtx, 32, logger),
		cancel:     cancel,
		log:        logger,
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	conf, logger := a.Conf, a.log

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(a.registry)

	cacheOpts := cache.Options{Conf: conf.Cache, Observe: collector.CacheLookup, Logger: logger}
	var locker lock.Locker
	if conf.Redis.Addr != "" {
		client, err := cache.NewRedisClient(conf.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis %s: %w", conf.Redis.Addr, err)
		}
		a.redis = client
		store := cache.NewRedisStore(client, conf.Redis.Prefix, logger)
		cacheOpts.Shared, cacheOpts.Bus = store, store
		locker = lock.NewRedis(client, conf.Redis.Prefix, lockTTL)
	} else {
		logger.Warn("no redis configured, caches and locks are process local")
		cacheOpts.Bus = cache.NewLocalBus()
		locker = lock.NewLocal()
	}
	a.Cache = cache.NewService(a.DB, cacheOpts)

	client := apclient.New(conf.Federation, apclient.WithLogger(logger))
	renderer := activitypub.NewRenderer(conf.BaseURL())

	a.Queue = queue.New(a.DB, conf.Queue, queue.WithMetrics(collector), queue.WithLogger(logger))

	var ld *activitypub.LDSigner
	if conf.Federation.LdSignatures {
		ld = activitypub.NewLDSigner(activitypub.NewContextLoader(&http.Client{Timeout: conf.Federation.FetchTimeout}))
	}
	fanout := delivery.NewFanout(a.DB, a.Queue, renderer, delivery.FanoutOptions{
		BlockedHosts: conf.Federation.BlockedHosts,
		LDSigner:     ld,
		Logger:       logger,
	})

	// a nil *kafka.Writer must not end up inside the Writer interface
	var writer notify.Writer
	if w := notify.NewKafkaWriter(conf.Kafka); w != nil {
		writer = w
	}
	a.publisher = notify.New(writer, a.DB, a.Queue, logger)

	a.Service = service.New(service.Deps{
		DB:         a.DB,
		Cache:      a.Cache,
		Renderer:   renderer,
		Fanout:     fanout,
		Queue:      a.Queue,
		Events:     a.publisher,
		Background: a.background,
		Fetcher:    client,
		Conf:       conf,
		Logger:     logger,
	})
	client.SetKeySource(a.Service)

	a.Resolver = resolver.New(resolver.Deps{
		DB:         a.DB,
		Cache:      a.Cache,
		Service:    a.Service,
		Fetcher:    client,
		Locker:     locker,
		Background: a.background,
		Conf:       conf,
		Logger:     logger,
	})
	a.Moves = move.New(move.Deps{
		DB:       a.DB,
		Cache:    a.Cache,
		Service:  a.Service,
		Resolver: a.Resolver,
		Fanout:   fanout,
		Conf:     conf,
		Logger:   logger,
	})
	a.Service.SetAliasValidator(a.Moves)
	a.Resolver.SetMoveProcessor(a.Moves)

	dispatcher := inbox.NewDispatcher(inbox.Deps{
		Service:  a.Service,
		Resolver: a.Resolver,
		Cache:    a.Cache,
		DB:       a.DB,
		Metrics:  collector,
		Logger:   logger,
	})
	processor := inbox.NewProcessor(inbox.ProcessorDeps{
		Dispatcher: dispatcher,
		Resolver:   a.Resolver,
		Cache:      a.Cache,
		Service:    a.Service,
		LD:         ld,
		Logger:     logger,
	})

	qc := conf.Queue
	a.Queue.Register(queue.ClassDeliver, delivery.NewWorker(a.DB, client, renderer, collector, logger).Handle, queue.ClassConfigFrom(qc.Deliver))
	a.Queue.Register(queue.ClassInbox, processor.Handle, queue.ClassConfigFrom(qc.Inbox))
	a.Queue.Register(queue.ClassWebhookDeliver, notify.NewWebhookWorker(a.DB, client, logger).Handle, queue.ClassConfigFrom(qc.WebhookDeliver))
	a.Queue.Register(queue.ClassRelationship, a.Service.HandleRelationshipJob, queue.ClassConfigFrom(qc.Relationship))
	a.Queue.Register(queue.ClassDB, a.Service.HandleDeleteAccountJob, queue.ClassConfigFrom(qc.DB))

	a.Server = web.NewServer(web.Deps{
		DB:       a.DB,
		Cache:    a.Cache,
		Service:  a.Service,
		Resolver: a.Resolver,
		Queue:    a.Queue,
		Gatherer: a.registry,
		Conf:     conf,
		Version:  util.GetVersion(),
		Logger:   logger,
	})
	return nil
}

// Run starts the cache subscription, the queue workers and the HTTP
// server, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	// a shutdown during startup is not a failure
	if err := a.Cache.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("starting cache invalidation: %w", err)
	}
	if _, err := a.Service.InstanceActor(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("preparing instance actor: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Queue.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Server.Run(ctx)
	})
	a.log.Info("federation engine started", "version", util.GetVersion(), "base", a.Conf.BaseURL())
	return g.Wait()
}

// Close releases everything New acquired. Background tasks are given the
// chance to finish first.
func (a *App) Close() error {
	a.background.Wait()
	a.cancel()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn("closing event stream failed", "err", err)
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	return a.DB.Close()
}
