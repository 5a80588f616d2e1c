package keabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Keabot is the bot runtime: it owns the store, the discord session,
// the dispatcher and (optionally) the API server.
type Keabot struct {
	config    *Config
	logger    *slog.Logger
	logWriter io.Writer
	logCloser io.Closer
	metrics   *Metrics
	discord   *Discord
	api       *API

	storeMu    sync.RWMutex
	store      *Store
	dispatcher *Dispatcher

	runMu         sync.Mutex
	signalReady   chan struct{}
	signalStop    chan struct{}
	eventShutdown chan struct{}
	startedAt     time.Time
}

// New creates a Keabot from the given config. Nothing is connected or
// opened until Run is called, aside from the log file, if configured.
func New(config *Config) (*Keabot, error) {
	if config.Discord == nil || config.Media == nil || config.API == nil {
		return nil, errors.New("discord, media and api config are required")
	}

	var errs []error
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w, closer, err := logOutput(config)
	if err != nil {
		return nil, err
	}

	k := &Keabot{
		config:        config,
		logWriter:     w,
		logCloser:     closer,
		metrics:       NewMetrics(),
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		startedAt:     time.Now(),
	}
	k.logger = slog.New(newLogHandler(w, config.LogLevel))
	slog.SetDefault(k.logger)

	config.Discord.httpClient = config.HTTPClient
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(w, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	k.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(w, config.Discord.LogLevel)).With(loggerNameKey, "discord"),
		k.metrics,
	)

	if config.API.Enabled {
		api, apiErr := newAPI(k, config.API)
		errs = append(errs, apiErr)
		k.api = api
	}

	return k, errors.Join(errs...)
}

func (k *Keabot) ValidateConfig() error {
	return k.config.Validate()
}

// Store returns the bot's store, or nil if Run hasn't opened it yet.
func (k *Keabot) Store() *Store {
	k.storeMu.RLock()
	defer k.storeMu.RUnlock()
	return k.store
}

// Metrics returns the bot's prometheus collectors.
func (k *Keabot) Metrics() *Metrics {
	return k.metrics
}

// Ready returns a channel that receives once Run has connected to the
// gateway.
func (k *Keabot) Ready() <-chan struct{} {
	return k.signalReady
}

// Stop signals a running bot to shut down.
func (k *Keabot) Stop() {
	if k.signalStop == nil {
		return
	}
	select {
	case k.signalStop <- struct{}{}:
	default:
	}
}

// Close closes the log file, if one is configured.
func (k *Keabot) Close() error {
	if k.logCloser == nil {
		return nil
	}
	return k.logCloser.Close()
}

// Run opens the store, connects to the discord gateway and handles
// events until ctx is canceled or Stop is called, then shuts down,
// waiting up to ShutdownTimeout for in-flight events to finish.
func (k *Keabot) Run(ctx context.Context) error {
	// prevents concurrent runs
	k.runMu.Lock()
	defer k.runMu.Unlock()

	k.startedAt = time.Now()
	logger := k.logger

	if err := k.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
		slog.Any("config", k.config),
	)

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-k.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	if k.api != nil {
		if err := k.api.Listen(ctx); err != nil {
			logger.ErrorContext(ctx, "error starting api", tint.Err(err))
			return err
		}
		go func() {
			httpErr := k.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx := ctx
	if k.config.StartupTimeout > 0 {
		var startCancel context.CancelFunc
		startCtx, startCancel = context.WithTimeout(ctx, k.config.StartupTimeout)
		defer startCancel()
	}

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- k.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		go func() {
			if <-initErr == nil {
				_ = k.closeStore()
			}
		}()
		k.closeAPI(ctx)
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			k.closeAPI(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	// events get a context that isn't canceled with the runtime context,
	// so in-flight events can finish during shutdown
	eventCtx := context.WithoutCancel(ctx)
	k.discord.registerHandlers(eventCtx, runtimeWG)
	k.discord.session.SetIntents(k.config.Discord.GatewayIntents)

	logger.InfoContext(ctx, "connecting to discord")
	if err := k.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			k.shutdown(ctx, runtimeWG),
		)
	}

	if status := k.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := k.discord.session.UpdateCustomStatus(status); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}

	select {
	case k.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context
	<-ctx.Done()

	return k.shutdown(ctx, runtimeWG)
}

// initRun creates the discord session if needed, opens the store and
// builds the dispatcher.
func (k *Keabot) initRun(ctx context.Context) error {
	if k.discord.session == nil {
		session, err := k.discord.newSession()
		if err != nil {
			return err
		}
		k.discord.session = session
	}

	logger := k.logger
	logger.Debug("initializing store...")
	store, err := OpenStore(ctx, k.config, k.logWriter)
	if err != nil {
		return fmt.Errorf("error initializing store: %w", err)
	}
	logger.Debug("finished initializing store")

	dispatcher, err := NewDispatcher(
		DispatcherOptions{
			Ledger:   store.Ledger,
			Tags:     store.Tags,
			Media:    store.Media,
			Selector: store.Selector,
			Fetcher:  newHTTPAttachmentFetcher(k.config.HTTPClient, logger),
			Names: discordNameResolver{
				session: k.discord.session,
				logger:  k.discord.logger,
			},
			Metrics: k.metrics,
			Logger:  logger,
			Config:  k.config,
		},
	)
	if err != nil {
		return errors.Join(err, store.Close())
	}

	k.storeMu.Lock()
	k.store = store
	k.dispatcher = dispatcher
	k.storeMu.Unlock()
	k.discord.dispatcher = dispatcher
	return nil
}

func (k *Keabot) closeStore() error {
	k.storeMu.Lock()
	store := k.store
	k.store = nil
	k.storeMu.Unlock()
	if store == nil {
		return nil
	}
	return store.Close()
}

func (k *Keabot) closeAPI(ctx context.Context) {
	if k.api == nil {
		return
	}
	if err := k.api.httpServer.Close(); err != nil {
		k.logger.ErrorContext(ctx, "error closing api server", tint.Err(err))
	}
}

func (k *Keabot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	k.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case k.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(k.config.ShutdownTimeout)
	k.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", k.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var errs []error

	// stop receiving new events before waiting on in-flight ones
	k.discord.removeHandlers()
	if k.discord.session != nil {
		if err := k.discord.session.Close(); err != nil {
			k.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}
	k.metrics.setGatewayConnected(false)

	if k.api != nil {
		if err := k.api.httpServer.Shutdown(closeCtx); err != nil {
			k.logger.ErrorContext(ctx, "error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		k.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		k.logger.ErrorContext(ctx, "timed out waiting for in-flight events")
		errs = append(errs, errors.New("in-flight events did not finish in time"))
	}

	if err := k.closeStore(); err != nil {
		k.logger.ErrorContext(ctx, "error closing store", tint.Err(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
