package linkpersona

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// personaSelectCustomID identifies the persona picker select menu in
	// component interactions.
	personaSelectCustomID = "persona_select"

	// personaCommandStyleOption is the option name for /persona's
	// optional style argument.
	personaCommandStyleOption = "style"

	// debateCommandURLOption is the option name for /debate's required
	// URL argument.
	debateCommandURLOption = "url"

	// discordSelectMaxOptions is Discord's cap on options per select
	// menu. Registries larger than this are rendered across multiple
	// menus.
	discordSelectMaxOptions = 25

	// discordSelectDescriptionMaxLength is Discord's cap on a select
	// option's description.
	discordSelectDescriptionMaxLength = 100

	// defaultEmbedColor is used when no persona color applies.
	defaultEmbedColor = 0x5865F2
)

// Discord manages the gateway connection, routes message and interaction
// events into the dispatcher, and renders its replies.
type Discord struct {
	session    DiscordSessionHandler
	config     *DiscordConfig
	logger     *slog.Logger
	dispatcher *Dispatcher

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	metricMessages    atomic.Int64
	connected         atomic.Bool

	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided
// configuration.
func newDiscord(config *DiscordConfig, dispatcher *Dispatcher) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	level := slog.LevelVar{}
	if config.LogLevel != nil {
		level.Set(config.LogLevel.Level())
	}
	return &Discord{
		config:                      config,
		dispatcher:                  dispatcher,
		logger:                      newTintLogger(&level, "discord"),
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and
// configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}

	return session, nil
}

// channelMessageSend sends the given message to the given discord
// channel ID.
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// Connected reports whether the gateway session is currently up. The
// health endpoint surfaces this.
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// handleMessageCreate routes one gateway message event through the
// classifier and dispatcher, then renders the reply. Bot-authored
// messages never get past this function.
func (d *Discord) handleMessageCreate(
	ctx context.Context,
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	d.metricMessages.Add(1)

	logger := d.logger.With(
		"channel_id", m.ChannelID,
		"message_id", m.ID,
	)
	ctx = WithLogger(ctx, logger)

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	msg := d.inboundMessage(s, m, user)

	if user.Bot || msg.AuthorIsSelf {
		logger.DebugContext(ctx, "ignoring message from bot", "user_id", user.ID)
		return
	}

	action := ClassifyMessage(msg)
	if ignore, ok := action.(ActionIgnore); ok {
		logger.DebugContext(ctx, "ignoring message", "reason", ignore.Reason)
		return
	}

	if typingErr := d.session.ChannelTyping(m.ChannelID); typingErr != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(typingErr))
	}

	reply, err := d.dispatcher.HandleMessage(ctx, msg)
	if err != nil {
		if sendErr := d.channelMessageSend(
			m.ChannelID, UserFacingError(err),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending failure notice", tint.Err(sendErr))
		}
		return
	}
	if reply == nil {
		return
	}

	if sendErr := d.sendReply(m, reply); sendErr != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(sendErr))
	}
}

// inboundMessage converts a gateway message event into the classifier's
// platform-independent form.
func (d *Discord) inboundMessage(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
	user *discordgo.User,
) InboundMessage {
	var selfID string
	if s != nil && s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}

	return InboundMessage{
		ChannelID:    m.ChannelID,
		UserID:       user.ID,
		Username:     user.Username,
		Content:      m.Content,
		SelfID:       selfID,
		AuthorIsSelf: selfID != "" && user.ID == selfID,
		MentionsBot:  messageMentionsUser(m.Message, selfID),
		Source:       requestSourceDiscord,
	}
}

// sendReply renders a dispatcher reply as a message in the originating
// channel, without pinging the original author.
func (d *Discord) sendReply(m *discordgo.MessageCreate, reply Reply) error {
	switch r := reply.(type) {
	case *SummaryReply:
		_, err := d.session.ChannelMessageSendComplex(
			m.ChannelID, &discordgo.MessageSend{
				Embed:           summaryEmbed(r),
				Reference:       m.Reference(),
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		)
		return err
	case *ChatReply:
		content := r.Response
		if r.PersonaID != "" {
			content = fmt.Sprintf(
				"%s\n\n-# persona: %s",
				content,
				r.PersonaID,
			)
		}
		_, err := d.session.ChannelMessageSendComplex(
			m.ChannelID, &discordgo.MessageSend{
				Content:         shortenString(content, discordMaxMessageLength),
				Reference:       m.Reference(),
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		)
		return err
	default:
		return fmt.Errorf("no message renderer for reply type %T", reply)
	}
}

// summaryEmbed renders an article summary in the persona's color, with
// the article title and link as fields.
func summaryEmbed(r *SummaryReply) *discordgo.MessageEmbed {
	title := "Article summary"
	color := defaultEmbedColor
	if r.Persona != nil {
		title = fmt.Sprintf("%s's article pick", r.Persona.DisplayName())
		if r.Persona.Color != 0 {
			color = r.Persona.Color
		}
	}

	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: r.Summary,
		URL:         r.ArticleURL,
		Color:       color,
	}
	if r.ArticleTitle != "" {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  "📰 Article",
				Value: r.ArticleTitle,
			},
		)
	}
	embed.Fields = append(
		embed.Fields, &discordgo.MessageEmbedField{
			Name:  "🔗 Link",
			Value: r.ArticleURL,
		},
	)
	return embed
}

// appCommandPersona builds the /persona command definition.
func (*Discord) appCommandPersona() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name: DiscordSlashCommandPersona,
		Description: "Choose the voice used in this channel, " +
			"or 'reset' to restore the default",
		Type: discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        personaCommandStyleOption,
				Description: "Persona ID (example: 'sarcastic'), or 'reset'",
				Required:    false,
			},
		},
	}
}

// appCommandDebate builds the /debate command definition.
func (*Discord) appCommandDebate() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandDebate,
		Description: "Fetch an article and stage a debate over its main claim",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        debateCommandURLOption,
				Description: "Article URL",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

// appCommandStats builds the /stats command definition.
func (*Discord) appCommandStats() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStats,
		Description: "Show conversation and persona counters",
		Type:        discordgo.ChatApplicationCommand,
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandPersona(),
		d.appCommandDebate(),
		d.appCommandStats(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("registered command", "command", c.Name)
	}
	return created, nil
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds, reply
	// references and mention controls
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows a typing indicator in the given channel
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites the application's
	// slash commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetIdentify sets the identify object that's sent during the
	// initial handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
	}
	return created, err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself
// contains the user, just if the message mentions the user via @).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || userID == "" {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the
// interaction. Users don't always appear in the same place in the
// interaction object, so this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
