package discordbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// Set at build time with:
// -ldflags "-X github.com/UrBoiTom/DiscordBot/discordbot.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ConfigLoader produces a fresh Config, for reloads.
type ConfigLoader func(ctx context.Context) (*Config, error)

// Backend is a generative provider: text generation plus speech.
type Backend interface {
	ModelClient
	SpeechSynthesizer

	// SetRequestsPerMinute replaces the backend's request rate limit
	SetRequestsPerMinute(rpm int)
}

// pipeline is everything derived from a single Config. It's rebuilt and
// swapped as a whole on reload, so a request in progress keeps using the
// pipeline it started with.
type pipeline struct {
	cfg       *Config
	formatter *ContextFormatter
	history   *HistoryResolver
	invoker   *ModelInvoker
	backend   Backend
}

// Bot is the discord bot: gateway handlers, the reply pipeline, the
// request log and the admin API.
type Bot struct {
	cfg    atomic.Pointer[Config]
	loader ConfigLoader

	logger     *slog.Logger
	logHandler slog.Handler
	httpClient *http.Client

	discord  *Discord
	metrics  *Metrics
	registry *prometheus.Registry

	// resolver outlives reloads, so cached messages survive them
	resolver *MessageResolver
	pipeline atomic.Pointer[pipeline]

	// newBackend builds the provider client for a config
	newBackend func(ctx context.Context, cfg *Config, logger *slog.Logger) (Backend, error)

	db         *gorm.DB
	writeDB    DBI
	dbNotifier DBNotifier
	api        *API

	// handled holds recently seen message IDs, so a message redelivered
	// after a gateway resume isn't answered twice
	handled *lru.Cache[string, struct{}]

	reloadMu    sync.Mutex
	runMu       sync.Mutex
	signalStop  chan struct{}
	signalReady chan struct{}
	startedAt   time.Time
}

// New creates a Bot from config. loader is used by Reload, and may be nil
// if reloading isn't needed.
func New(config *Config, loader ConfigLoader) (*Bot, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		loader:      loader,
		httpClient:  config.HTTPClient,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
		newBackend:  newBackend,
	}
	b.cfg.Store(config)

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	b.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord"),
	)

	b.registry = prometheus.NewRegistry()
	b.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	b.metrics = MustNewMetrics(b.registry)

	handled, err := lru.New[string, struct{}](max(config.History.CacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("creating message dedup cache: %w", err)
	}
	b.handled = handled

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		if apiErr != nil {
			return nil, apiErr
		}
		b.api = api
	}
	return b, nil
}

// Config returns the active config. It must not be modified.
func (b *Bot) Config() *Config {
	return b.cfg.Load()
}

// newBackend builds the client for the configured provider
func newBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Model.Provider {
	case ProviderAIStudio:
		client, err := NewGenAIClient(ctx, cfg.Model, cfg.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderOpenAI:
		return NewOpenAIBackend(cfg.Model, cfg.HTTPClient, logger), nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %q", cfg.Model.Provider)
	}
}

// sameBackend reports whether a backend built for prev can serve cfg
func sameBackend(prev, cfg *ModelConfig) bool {
	return prev.Provider == cfg.Provider &&
		prev.APIKey == cfg.APIKey &&
		prev.BaseURL == cfg.BaseURL &&
		prev.TTSModel == cfg.TTSModel &&
		prev.TTSVoice == cfg.TTSVoice
}

// buildPipeline derives a pipeline from cfg. The previous backend is
// kept when its connection settings haven't changed.
func (b *Bot) buildPipeline(ctx context.Context, cfg *Config, prev *pipeline) (*pipeline, error) {
	modelLogger := slog.New(newLogHandler(cfg.Model.LogLevel)).With(loggerNameKey, "model")

	var backend Backend
	if prev != nil && prev.backend != nil && sameBackend(prev.cfg.Model, cfg.Model) {
		backend = prev.backend
		backend.SetRequestsPerMinute(cfg.Model.RequestsPerMinute)
	} else {
		var err error
		backend, err = b.newBackend(ctx, cfg, modelLogger)
		if err != nil {
			return nil, err
		}
	}

	formatter := NewContextFormatter(
		cfg.History,
		cfg.HTTPClient,
		b.logger.With(loggerNameKey, "formatter"),
	)
	return &pipeline{
		cfg:       cfg,
		formatter: formatter,
		history: NewHistoryResolver(
			b.resolver,
			b.discord.session,
			formatter,
			b.logger.With(loggerNameKey, "history"),
		),
		invoker: NewModelInvoker(backend, cfg.Model, modelLogger, b.metrics),
		backend: backend,
	}, nil
}

// Reload loads a new config and swaps it in. Discord, database and API
// connection settings only take effect on restart.
func (b *Bot) Reload(ctx context.Context) error {
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	logger := loggerFrom(ctx, b.logger)
	if b.loader == nil {
		return errors.New("no config loader set")
	}
	cfg, err := b.loader(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	prev := b.Config()
	cfg.adoptLevels(prev)
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = prev.HTTPClient
	}

	p, err := b.buildPipeline(ctx, cfg, b.pipeline.Load())
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}
	b.cfg.Store(cfg)
	b.pipeline.Store(p)
	logger.InfoContext(ctx, "config reloaded", "config", cfg)
	return nil
}

func (b *Bot) triggerReload(ctx context.Context) {
	if err := b.Reload(ctx); err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error reloading config", tint.Err(err))
	}
}

// RegisterCommands overwrites the bot's slash commands with the set for
// the enabled modules.
func (b *Bot) RegisterCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return b.discord.registerCommands(b.Config().Modules, options...)
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Ready is sent on once Run has connected to discord
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Run connects to the database and discord, serves the API when enabled,
// and handles events until ctx is cancelled or Stop is called.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	cfg := b.Config()
	logger := b.logger

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", cfg))

	// cancelling the runtime context starts a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()
	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.closeConnections(ctx)
			return err
		}
	}

	if b.api != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if err := b.api.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api", tint.Err(err))
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if err := b.dbNotifier.Listen(ctx, b.triggerReload); err != nil {
			logger.ErrorContext(ctx, "error listening for reload notifications", tint.Err(err))
		}
	}()

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(b.startedAt))

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, builds the pipeline and connects to discord
func (b *Bot) initRun(startCtx context.Context, ctx context.Context, runtimeWG *sync.WaitGroup) error {
	cfg := b.Config()
	if err := b.initDB(startCtx, cfg); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	notifier, err := newDBNotifier(cfg.DatabaseType, cfg.Database, b.db, b.logger)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.dbNotifier = notifier

	if err = b.initDiscordSession(ctx, runtimeWG); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err = b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if cfg.Discord.RegisterCommands {
		if _, err = b.RegisterCommands(discordgo.WithContext(startCtx)); err != nil {
			b.logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context, cfg *Config) error {
	gormLogger := newGORMLogger(newLogHandler(cfg.DatabaseLogLevel), cfg.DatabaseSlowThreshold)
	db, err := getDB(cfg.DatabaseType, cfg.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, cfg.DatabaseType == dbTypePostgres)

	if cfg.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}
	b.logger.DebugContext(ctx, "migrating database")
	return migrate(ctx, db)
}

// initPipeline creates the message resolver and the initial pipeline.
// The discord session must already exist.
func (b *Bot) initPipeline(ctx context.Context) error {
	cfg := b.Config()
	if b.resolver == nil {
		b.resolver = NewMessageResolver(cfg.History, b.discord.session, b.metrics)
	}
	p, err := b.buildPipeline(ctx, cfg, nil)
	if err != nil {
		return err
	}
	b.pipeline.Store(p)
	return nil
}

// goHandler runs fn for a gateway event in its own goroutine, tracked by
// runtimeWG and guarded against panics.
func goHandler[T any](
	ctx context.Context,
	b *Bot,
	runtimeWG *sync.WaitGroup,
	fn func(context.Context, T),
) func(*discordgo.Session, T) {
	return func(_ *discordgo.Session, event T) {
		if ctx.Err() != nil {
			return
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					b.handleRecover(ctx, rc)
				}
			}()
			fn(ctx, event)
		}()
	}
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession(b.httpClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}
	if err := b.initPipeline(ctx); err != nil {
		return err
	}

	ctx = WithLogger(ctx, b.logger.With(loggerNameKey, "discord_event"))
	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	cfg := b.Config()
	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: cfg.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(goHandler(ctx, b, runtimeWG, b.handleMessageCreate)),
		b.discord.session.AddHandler(goHandler(ctx, b, runtimeWG, b.handleMessageDelete)),
		b.discord.session.AddHandler(goHandler(ctx, b, runtimeWG, b.handleGuildMemberRemove)),
		b.discord.session.AddHandler(goHandler(ctx, b, runtimeWG, b.handleInteraction)),
	}
	return nil
}

// shutdown waits up to the shutdown timeout for in-flight events, then
// closes the discord session, the API and the database.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	cfg := b.Config()
	shutdownStart := time.Now()
	b.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", cfg.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer closeCancel()

	if b.api != nil {
		if err := b.api.Shutdown(closeCtx); err != nil {
			b.logger.ErrorContext(ctx, "error shutting down api", tint.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		err = errors.New("in-flight events did not finish before the shutdown deadline")
		b.logger.ErrorContext(ctx, "shutdown deadline exceeded", tint.Err(err))
	}

	b.closeConnections(ctx)
	return err
}

func (b *Bot) closeConnections(ctx context.Context) {
	if b.discord.session != nil {
		for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
			remove()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				b.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
			}
		}
	}
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
