// Package app wires all voxloop subsystems into one running process.
//
// New connects the backends (MongoDB, Redis, PostgreSQL), assembles the
// conversation engine, the post-call worker, and the HTTP API, and Run drives
// them until the context is cancelled. One process serves as both queue
// worker and API server.
//
// Tests inject in-memory backends through the functional options
// (WithStore, WithQueue, WithLeases, WithGateway, ...); New only dials what
// was not injected.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/internal/api"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/dispatch"
	"github.com/voxloop/voxloop/internal/gateway"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/orchestrator"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/rag"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/synthesis"
	"github.com/voxloop/voxloop/internal/tools"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/safety"
	"github.com/voxloop/voxloop/pkg/provider/sms"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/translate"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

const (
	// defaultCallWorkers is how many calls one process drives concurrently.
	// Each incoming_call handler blocks for the whole call.
	defaultCallWorkers = 16

	// defaultSMSWorkers handles the out-of-call text path.
	defaultSMSWorkers = 4

	// callsCollection encodes the Call schema version; migrations rewrite
	// into a new collection.
	callsCollection = "calls_v1"

	// defaultVisibility matches the queue's redelivery timeout when the
	// config does not set one; call events are re-extended by this much.
	defaultVisibility = 30 * time.Second
)

// Providers holds one interface value per provider slot, populated by
// cmd/voxloop from the config registry. Nil means the slot is not configured;
// New rejects a nil slot only where the engine cannot run without it.
type Providers struct {
	LLMFast    pllm.Provider
	LLMSlow    pllm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	Translate  translate.Translator
	Safety     safety.Filter
	SMS        sms.Sender
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	store      store.Store
	leases     lease.Manager
	queue      queue.Queue
	flags      *config.Flags
	index      rag.Index
	gateway    orchestrator.Gateway
	registry   *tools.Registry
	mcp        *tools.MCPConnector
	engine     *orchestrator.Engine
	worker     *synthesis.Worker
	handler    http.Handler
	checkers   []health.Checker
	redis      *redis.Client
	visibility time.Duration
	callSlots  int
	smsSlots   int

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option injects a subsystem instead of letting New build it from config.
type Option func(*App)

// WithStore injects the call store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLeases injects the lease manager.
func WithLeases(m lease.Manager) Option {
	return func(a *App) { a.leases = m }
}

// WithQueue injects the event queue.
func WithQueue(q queue.Queue) Option {
	return func(a *App) { a.queue = q }
}

// WithGateway injects the media gateway.
func WithGateway(g orchestrator.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithIndex injects the documentation index.
func WithIndex(i rag.Index) Option {
	return func(a *App) { a.index = i }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCallWorkers sets how many concurrent calls this process accepts.
func WithCallWorkers(n int) Option {
	return func(a *App) {
		if n > 0 {
			a.callSlots = n
		}
	}
}

// New wires the application. Initialisation is synchronous: backends are
// dialed, tool servers registered, and the engine assembled before New
// returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:        cfg,
		providers:  providers,
		log:        slog.Default(),
		visibility: defaultVisibility,
		callSlots:  defaultCallWorkers,
		smsSlots:   defaultSMSWorkers,
	}
	if cfg.Queue.VisibilityTimeoutS > 0 {
		a.visibility = time.Duration(cfg.Queue.VisibilityTimeoutS) * time.Second
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("app: init redis: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initIndex(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init rag index: %w", err)
	}
	if err := a.initGateway(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	if err := a.initEngine(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	a.initAPI()
	return a, nil
}

// initRedis dials Redis and builds everything living on it: the lease
// manager, the event queue, and the feature flags. Injected instances are
// kept; Redis is only dialed when at least one of the three is missing.
func (a *App) initRedis(ctx context.Context) error {
	if a.leases != nil && a.queue != nil {
		// Flags stay nil without a Redis source; config values apply as loaded.
		return nil
	}
	if a.cfg.Store.RedisAddr == "" {
		return fmt.Errorf("store.redis_addr is required when queue or leases are not injected")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Store.RedisAddr,
		Password: a.cfg.Store.RedisPassword,
		DB:       a.cfg.Store.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("ping %s: %w", a.cfg.Store.RedisAddr, err)
	}
	a.redis = rdb
	a.closers = append(a.closers, rdb.Close)

	if a.leases == nil {
		a.leases = lease.NewRedis(rdb)
	}
	if a.queue == nil {
		host, _ := os.Hostname()
		consumer := fmt.Sprintf("%s-%d", host, os.Getpid())
		q, err := queue.NewRedis(ctx, rdb, consumer, queue.WithVisibility(a.visibility))
		if err != nil {
			return err
		}
		a.queue = q
	}
	a.flags = config.NewFlags(config.RedisSource{Client: rdb})
	a.checkers = append(a.checkers, health.Checker{
		Name:  "redis",
		Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	return nil
}

// initStore connects the MongoDB call store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Store.MongoURI == "" {
		return fmt.Errorf("store.mongo_uri is required when the store is not injected")
	}

	client, err := mongo.Connect(mongooptions.Client().ApplyURI(a.cfg.Store.MongoURI))
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.cfg.Store.MongoURI, err)
	}
	a.closers = append(a.closers, func() error {
		return client.Disconnect(context.Background())
	})

	db := a.cfg.Store.MongoDatabase
	if db == "" {
		db = "voxloop"
	}
	st, err := store.NewMongo(ctx, client, db, callsCollection)
	if err != nil {
		return err
	}
	a.store = st
	a.checkers = append(a.checkers, health.Checker{
		Name:  "mongodb",
		Check: func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) },
	})
	return nil
}

// initIndex builds the pgvector documentation index when PostgreSQL and an
// embeddings provider are configured. Without either, search_documents and
// training extraction are disabled.
func (a *App) initIndex(ctx context.Context) error {
	if a.index != nil {
		return nil
	}
	if a.cfg.RAG.PostgresDSN == "" || a.providers.Embeddings == nil {
		a.log.Info("documentation index disabled",
			"postgres", a.cfg.RAG.PostgresDSN != "", "embeddings", a.providers.Embeddings != nil)
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.RAG.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.index = rag.NewPostgres(pool, a.providers.Embeddings)
	a.checkers = append(a.checkers, health.Checker{
		Name:  "postgres",
		Check: pool.Ping,
	})
	return nil
}

// initGateway connects the phone bridge unless a gateway was injected.
func (a *App) initGateway() error {
	if a.gateway != nil {
		return nil
	}
	if a.cfg.Gateway.Endpoint == "" {
		return fmt.Errorf("gateway.endpoint is required when the gateway is not injected")
	}
	g, err := gateway.New(a.cfg.Gateway.Endpoint,
		gateway.WithToken(a.cfg.Gateway.Token),
		gateway.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.gateway = g
	return nil
}

// initEngine assembles the conversation engine and the post-call worker.
func (a *App) initEngine(ctx context.Context) error {
	if a.providers.LLMFast == nil && a.providers.LLMSlow == nil {
		return fmt.Errorf("at least one LLM tier must be configured")
	}
	if a.providers.STT == nil || a.providers.TTS == nil {
		return fmt.Errorf("stt and tts providers are required")
	}

	driver, err := llm.NewDriver(a.providers.LLMFast, a.providers.LLMSlow)
	if err != nil {
		return err
	}

	a.registry = tools.NewRegistry()
	deps := tools.BuiltinDeps{SMS: a.providers.SMS}
	if a.index != nil {
		deps.Search = rag.ToolSearcher{Index: a.index}
	}
	if err := a.registry.RegisterAll(tools.Builtins(deps)); err != nil {
		return err
	}
	if len(a.cfg.MCP.Servers) > 0 {
		a.mcp = tools.NewMCPConnector(a.log)
		a.closers = append(a.closers, a.mcp.Close)
		for _, srv := range a.cfg.MCP.Servers {
			if err := a.mcp.Register(ctx, a.registry, srv); err != nil {
				return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
			}
			a.log.Info("registered mcp server", "name", srv.Name)
		}
	}

	marker := dispatch.Marker(dispatch.NewMemoryMarker())
	if a.redis != nil {
		marker = dispatch.RedisMarker{Client: a.redis}
	}
	dispatcher := dispatch.New(a.queue, marker,
		dispatch.WithLogger(a.log), dispatch.WithMetrics(a.metrics))

	engine, err := orchestrator.New(orchestrator.Deps{
		Store:      a.store,
		Leases:     a.leases,
		Queue:      a.queue,
		Registry:   a.registry,
		Driver:     driver,
		Assembler:  prompt.NewAssembler(),
		STT:        a.providers.STT,
		TTS:        a.providers.TTS,
		Gateway:    a.gateway,
		Dispatcher: dispatcher,
		Translator: a.providers.Translate,
		Filter:     a.providers.Safety,
		SMS:        a.providers.SMS,
		Corrector:  transcript.New(),
		Flags:      a.flags,
	}, orchestrator.Config{
		Conversation: a.cfg.Conversation,
		Workflow:     a.cfg.Workflow,
		Voice:        a.cfg.Voice,
		SampleRate:   a.cfg.Gateway.SampleRate,
	}, orchestrator.WithLogger(a.log), orchestrator.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.engine = engine

	var trainer *synthesis.Trainer
	if a.index != nil {
		trainer = synthesis.NewTrainer(a.index)
	}
	var wopts []synthesis.Option
	if a.providers.SMS != nil {
		wopts = append(wopts, synthesis.WithSMS(a.providers.SMS))
	}
	wopts = append(wopts, synthesis.WithLogger(a.log), synthesis.WithMetrics(a.metrics))
	a.worker = synthesis.NewWorker(a.queue, a.store, a.leases,
		synthesis.NewSynthesizer(driver), trainer, wopts...)
	return nil
}

// initAPI mounts the HTTP surface.
func (a *App) initAPI() {
	a.handler = api.New(a.store, a.queue, a.cfg.Workflow, a.metrics, a.log, a.checkers...).Handler()
}

// Handler exposes the HTTP API for tests and for custom servers.
func (a *App) Handler() http.Handler { return a.handler }

// Engine exposes the conversation engine for tests.
func (a *App) Engine() *orchestrator.Engine { return a.engine }

// Run serves HTTP and consumes the event queues until ctx is cancelled.
// Call events drain gracefully: in-flight calls are suspended and their
// events redelivered to another worker.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("api listening", "addr", srv.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	for i := 0; i < a.callSlots; i++ {
		g.Go(func() error { return a.consume(ctx, queue.KindCallEvents, a.handleCallEvent) })
	}
	for i := 0; i < a.smsSlots; i++ {
		g.Go(func() error { return a.consume(ctx, queue.KindSMSEvents, a.engine.HandleSMSEvent) })
	}
	g.Go(func() error { return a.worker.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleCallEvent keeps the message invisible while the session runs;
// incoming_call handlers block for the call's whole duration.
func (a *App) handleCallEvent(ctx context.Context, msg queue.Message) error {
	ext := queue.NewExtender(ctx, a.queue, msg, a.visibility)
	defer ext.Stop()
	return a.engine.HandleCallEvent(ctx, msg)
}

// consume is the shared worker loop: receive one message, handle it, ack on
// success and nack for redelivery on error.
func (a *App) consume(ctx context.Context, kind queue.Kind, handle func(context.Context, queue.Message) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := a.queue.Receive(ctx, kind, 1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Error("queue receive failed", "queue", kind, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			herr := handle(ctx, msg)
			// Acks survive the drain; ctx may already be cancelled.
			ackCtx := context.WithoutCancel(ctx)
			if herr == nil {
				if err := a.queue.Ack(ackCtx, msg); err != nil {
					a.log.Warn("ack failed", "queue", kind, "event_id", msg.EventID, "error", err)
				}
				a.metrics.RecordQueueJob(ctx, string(kind), "completed")
				continue
			}
			a.log.Warn("event redelivered", "queue", kind, "event_id", msg.EventID,
				"attempts", msg.Attempts, "error", herr)
			a.metrics.RecordQueueJob(ctx, string(kind), "retried")
			if err := a.queue.Nack(ackCtx, msg); err != nil {
				a.log.Warn("nack failed", "queue", kind, "event_id", msg.EventID, "error", err)
			}
		}
	}
}

// Shutdown releases the backends in reverse-init order.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				err = ctx.Err()
				return
			default:
			}
			if cerr := a.closers[i](); cerr != nil {
				a.log.Warn("closer failed", "index", i, "error", cerr)
			}
		}
	})
	return err
}

// runClosers unwinds partial initialisation when New fails midway.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer failed during unwind", "error", err)
		}
	}
}
