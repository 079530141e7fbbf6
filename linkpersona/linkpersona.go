package linkpersona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/ecweston/linkpersona/linkpersona.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// LinkPersona is the main application struct. It wires the conversation
// store, persona registry, article fetcher, LLM client and dispatcher to
// the Discord gateway and the backend HTTP API, and owns their
// lifecycles.
type LinkPersona struct {
	config *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write operations. The only difference between
	// this and [LinkPersona.db] is that, when using sqlite, a mutex is
	// used.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Provides the back-end API
	api *API

	// Per-channel persona assignments and bounded history
	store ConversationStore

	// Personas loaded from the persona directory
	registry *FilePersonaRegistry

	// Fetches and extracts article text
	fetcher ArticleFetcher

	// Chat completion client
	llm LLMClient

	// Routes classified messages and commands to the collaborators above
	dispatcher *Dispatcher

	// signalStop triggers a graceful shutdown when the bot is running
	signalStop chan struct{}

	// signalReady receives a signal when [LinkPersona.Run] has finished
	// starting up
	signalReady chan struct{}

	startedAt time.Time

	// prevents concurrent runs
	runMu sync.Mutex
}

// New initializes a LinkPersona instance from the given config: logging,
// conversation store, persona registry, fetcher, LLM client, dispatcher,
// Discord and the API server. Configuration isn't validated here; that
// happens in [LinkPersona.Run].
func New(config *Config) (*LinkPersona, error) {
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

	lp := &LinkPersona{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	lp.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     lp.config.LogLevel,
			AddSource: true,
		},
	)
	lp.logger = slog.New(lp.logHandler)
	slog.SetDefault(lp.logger)

	lp.store = NewMemoryConversationStore(
		config.Conversation.MaxHistory,
		lp.logger,
	)

	registry, err := NewFilePersonaRegistry(config.PersonasDir, lp.logger)
	if err != nil {
		errs = append(errs, err)
	}
	lp.registry = registry

	lp.fetcher = NewHTTPArticleFetcher(config.Fetcher, lp.logger)
	lp.llm = newOpenAIChatClient(config.LLM, config.HTTPClient)

	lp.dispatcher = NewDispatcher(
		config.Conversation,
		config.Summary,
		lp.store,
		lp.registry,
		lp.fetcher,
		lp.llm,
		nil,
		lp.logger,
	)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord, lp.dispatcher)
	if err != nil {
		errs = append(errs, err)
	}
	lp.discord = disc

	api, err := newAPI(lp.dispatcher, lp.registry, config.API)
	errs = append(errs, err)
	lp.api = api
	if api != nil && disc != nil {
		api.gatewayConnected = disc.Connected
	}

	return lp, errors.Join(errs...)
}

func (lp *LinkPersona) ValidateConfig() error {
	errs := []error{structValidator.Struct(lp.config)}

	// conversation and summary bounds aren't covered by field tags
	if lp.config.Conversation != nil {
		if v := validateConversationConfig(
			reflect.ValueOf(*lp.config.Conversation),
		); v != nil {
			errs = append(errs, fmt.Errorf("conversation: %v", v))
		}
	}
	if v := validateSummaryConfig(
		reflect.ValueOf(lp.config.Summary),
	); v != nil {
		errs = append(errs, fmt.Errorf("summary: %v", v))
	}

	return errors.Join(errs...)
}

// RegisterSlashCommands registers the bot's slash commands with the
// Discord API, overwriting any previous set.
func (lp *LinkPersona) RegisterSlashCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return lp.discord.registerCommands(options...)
}

// Run starts the bot and blocks until the given context is canceled or
// [LinkPersona.Stop] is called, then shuts down gracefully.
func (lp *LinkPersona) Run(ctx context.Context) error {
	lp.runMu.Lock()
	defer lp.runMu.Unlock()

	lp.signalStop = make(chan struct{}, 1)
	lp.startedAt = time.Now()
	logger := lp.logger

	if err := lp.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", lp.config))

	if lp.signalReady == nil {
		lp.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-lp.signalStop:
			lp.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	// tracks per-event goroutines spawned by the gateway handlers
	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, lp.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- lp.initDB(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(
		func() error {
			httpErr := lp.api.Serve(groupCtx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				lp.logger.ErrorContext(
					groupCtx,
					"error serving api HTTP",
					tint.Err(httpErr),
				)
				return httpErr
			}
			return nil
		},
	)

	if lp.config.WatchPersonas {
		group.Go(
			func() error {
				return lp.registry.Watch(groupCtx)
			},
		)
	}

	if discErr := lp.initDiscordSession(ctx, runtimeWG); discErr != nil {
		lp.logger.ErrorContext(
			ctx,
			"error creating discord session",
			tint.Err(discErr),
		)
		return discErr
	}

	if err := lp.discordInit(ctx, logger); err != nil {
		return err
	}

	if _, cmdErr := lp.discord.registerCommands(); cmdErr != nil {
		return cmdErr
	}

	lp.signalReady <- struct{}{}
	lp.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the runtime context - generally an
	// interrupt, or an API server failure propagated through the group
	<-groupCtx.Done()

	return lp.shutdown(ctx, runtimeWG, group)
}

// Stop triggers a graceful shutdown of a running bot.
func (lp *LinkPersona) Stop() {
	select {
	case lp.signalStop <- struct{}{}:
	default:
	}
}

// initDB opens the database connection, runs migrations, applies the
// sqlite connection settings, and hands the write wrapper to the
// dispatcher for audit logging.
func (lp *LinkPersona) initDB(ctx context.Context) error {
	if lp.db == nil {
		db, err := CreateDB(ctx, lp.config.DatabaseType, lp.config.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		lp.db = db
	}

	if lp.writeDB == nil {
		lp.writeDB = NewDatabase(
			lp.db,
			lp.logger,
			lp.config.DatabaseType == dbTypePostgres,
		)
	}

	if lp.config.DatabaseType == dbTypeSQLite {
		rawDB, err := lp.db.DB()
		if err != nil {
			return fmt.Errorf("error getting raw db connection: %w", err)
		}
		rawDB.SetMaxOpenConns(sqliteMaxOpenConns)
		rawDB.SetMaxIdleConns(sqliteMaxIdleConns)
		rawDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		var execErrs []error
		for _, pragma := range sqliteExecPragma {
			if _, execErr := rawDB.ExecContext(ctx, pragma); execErr != nil {
				execErrs = append(execErrs, execErr)
			}
		}
		if err = errors.Join(execErrs...); err != nil {
			return fmt.Errorf("error setting sqlite pragmas: %w", err)
		}
	}

	lp.dispatcher.SetWriteDB(lp.writeDB)
	return nil
}

// initDiscordSession creates the gateway session if one wasn't injected,
// sets the identify payload, and registers the gateway event handlers.
// Message and interaction events are handled in goroutines tracked by
// runtimeWG, so shutdown can wait for in-flight work.
func (lp *LinkPersona) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := lp.logger.With(loggerNameKey, "discord_session")

	if lp.discord.session == nil {
		session, err := lp.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		lp.discord.session = session
	}

	ctx = WithLogger(ctx, logger)

	if len(lp.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range lp.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	lp.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: lp.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: lp.config.Discord.CustomStatus,
			},
		},
	)

	lp.discord.discordgoRemoveHandlerFuncs = []func(){
		lp.discord.session.AddHandler(lp.discord.handlerConnect()),
		lp.discord.session.AddHandler(lp.discord.handlerDisconnect()),
		lp.discord.session.AddHandler(lp.discord.handlerReady()),
		lp.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					lp.handleInteraction(ctx, i)
				}()
			},
		),
		lp.discord.session.AddHandler(
			func(
				s *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					lp.discord.handleMessageCreate(ctx, s, m)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the discord websocket connection and sets the bot's
// custom status.
func (lp *LinkPersona) discordInit(
	ctx context.Context,
	logger *slog.Logger,
) error {
	lp.logger.InfoContext(ctx, "connecting to discord")
	if err := lp.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if lp.config.Discord.CustomStatus != "" {
		go func() {
			if statusErr := lp.discord.updateCustomStatus(
				lp.config.Discord.CustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// handleInteraction routes one gateway interaction event: slash commands
// by name, component interactions by custom ID prefix.
func (lp *LinkPersona) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := lp.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	switch i.Type {
	case discordgo.InteractionPing:
		if err := lp.discord.session.InteractionRespond(
			i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		); err != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(err))
		}
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		if strings.HasPrefix(customID, personaSelectCustomID) {
			lp.discord.handlePersonaSelect(ctx, i)
			return
		}
		logger.WarnContext(
			ctx,
			"unknown component interaction",
			"custom_id", customID,
		)
	case discordgo.InteractionApplicationCommand:
		discordUser := getDiscordUser(i)
		if discordUser == nil {
			logger.ErrorContext(
				ctx,
				"no user found in interaction",
				"interaction", structToSlogValue(i),
			)
			return
		}
		if discordUser.Bot {
			logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
			return
		}
		logger.InfoContext(
			ctx,
			"received new interaction",
			"user", structToSlogValue(discordUser),
		)

		switch name := i.ApplicationCommandData().Name; name {
		case DiscordSlashCommandPersona:
			lp.discord.handlePersonaCommand(ctx, i)
		case DiscordSlashCommandDebate:
			lp.discord.handleDebateCommand(ctx, i)
		case DiscordSlashCommandStats:
			lp.discord.handleStatsCommand(ctx, i)
		default:
			logger.WarnContext(ctx, "unknown command", "command", name)
		}
	default:
		logger.WarnContext(
			ctx,
			"ignoring interaction type",
			"type", i.Type.String(),
		)
	}
}

// shutdown waits for in-flight gateway events and pending audit writes,
// then stops the HTTP server and closes the discord session. If the
// graceful path doesn't finish before ShutdownTimeout elapses,
// connections are force-closed.
func (lp *LinkPersona) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	group *errgroup.Group,
) error {
	lp.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	shutdownTimeout := lp.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	lp.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// wait for anything spawned by the gateway handlers, then for
		// audit rows still being written
		runtimeWG.Wait()
		lp.dispatcher.Wait()
		lp.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}

		if lp.api != nil && lp.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				lp.logger.InfoContext(ctx, "stopping http server")
				_ = lp.api.Shutdown(closeCtx)
				lp.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if lp.discord != nil && lp.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				lp.logger.InfoContext(ctx, "closing discord session")
				_ = lp.discord.session.Close()
				lp.logger.InfoContext(ctx, "discord session closed")
				for _, h := range lp.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				lp.discord.discordgoRemoveHandlerFuncs = nil
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			groupErr := group.Wait()
			lp.closeDB()
			shutdownEnded := time.Now()
			lp.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return groupErr
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			lp.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done():
			lp.logger.Warn("graceful shutdown timed out, forcing close")
			go func() {
				_ = lp.api.httpServer.Close()
			}()
			lp.closeDB()
			return fmt.Errorf("graceful shutdown timed out")
		}
	}
}

// closeDB closes the underlying sql connection.
func (lp *LinkPersona) closeDB() {
	if lp.db == nil {
		return
	}
	rawDB, err := lp.db.DB()
	if err != nil {
		lp.logger.Error("error getting raw db connection", tint.Err(err))
		return
	}
	if closeErr := rawDB.Close(); closeErr != nil {
		lp.logger.Error("error closing database", tint.Err(closeErr))
	}
}
