package linkpersona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBotUserID is the bot's own user ID in gateway fixtures.
const testBotUserID = "bot-self"

type sentChannelMessage struct {
	ChannelID string
	Content   string
}

type sentComplexMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

type commandOverwrite struct {
	AppID    string
	GuildID  string
	Commands []*discordgo.ApplicationCommand
}

// mockDiscordSession is a recording DiscordSessionHandler. Calls are
// captured in order; the error fields, when set, are returned by the
// matching method instead.
type mockDiscordSession struct {
	mu sync.Mutex

	sent       []sentChannelMessage
	complex    []sentComplexMessage
	typing     []string
	responses  []*discordgo.InteractionResponse
	edits      []*discordgo.WebhookEdit
	overwrites []commandOverwrite
	statuses   []string

	sendErr      error
	typingErr    error
	respondErr   error
	editErr      error
	overwriteErr error
}

func (m *mockDiscordSession) Open() error { return nil }

func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(any) func() { return func() {} }

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(
		m.sent,
		sentChannelMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.complex = append(
		m.complex,
		sentComplexMessage{ChannelID: channelID, Data: data},
	)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typingErr != nil {
		return m.typingErr
	}
	m.typing = append(m.typing, channelID)
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overwriteErr != nil {
		return nil, m.overwriteErr
	}
	m.overwrites = append(
		m.overwrites,
		commandOverwrite{AppID: appID, GuildID: guildID, Commands: commands},
	)
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.respondErr != nil {
		return m.respondErr
	}
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edits = append(m.edits, newresp)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) channelMessages() []sentChannelMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentChannelMessage(nil), m.sent...)
}

func (m *mockDiscordSession) complexMessages() []sentComplexMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentComplexMessage(nil), m.complex...)
}

func (m *mockDiscordSession) typingChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.typing...)
}

func (m *mockDiscordSession) interactionResponses() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), m.responses...)
}

func (m *mockDiscordSession) responseEdits() []*discordgo.WebhookEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.WebhookEdit(nil), m.edits...)
}

func (m *mockDiscordSession) commandOverwrites() []commandOverwrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]commandOverwrite(nil), m.overwrites...)
}

func (m *mockDiscordSession) customStatuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statuses...)
}

// newTestDiscord wires a Discord frontend to a recording session and the
// standard dispatcher fixtures.
func newTestDiscord(t testing.TB) (*Discord, *mockDiscordSession, *testDispatcher) {
	t.Helper()
	td := newTestDispatcher(t)
	session := &mockDiscordSession{}
	d := &Discord{
		session: session,
		config: &DiscordConfig{
			Token:         "discord-bot-token",
			ApplicationID: "1234567890",
		},
		logger:     testLogger(t),
		dispatcher: td.dispatcher,
	}
	return d, session, td
}

// gatewaySession builds the minimal session state handlers read: the
// bot's own user, for mention and self-author checks.
func gatewaySession(t testing.TB) *discordgo.Session {
	t.Helper()
	return &discordgo.Session{
		State: &discordgo.State{
			Ready: discordgo.Ready{
				SessionID: t.Name(),
				User: &discordgo.User{
					ID:       testBotUserID,
					Username: "linkpersona",
				},
			},
		},
	}
}

func channelMessage(
	channelID string,
	author *discordgo.User,
	content string,
) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-100",
			ChannelID: channelID,
			Content:   content,
			Author:    author,
		},
	}
}

func commandInteraction(
	channelID string,
	user *discordgo.User,
	data discordgo.ApplicationCommandInteractionData,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-100",
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: channelID,
			Member:    &discordgo.Member{User: user},
			Data:      data,
		},
	}
}

func stringOption(
	name string,
	value string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func selectInteraction(
	channelID string,
	user *discordgo.User,
	customID string,
	values ...string,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-101",
			Type:      discordgo.InteractionMessageComponent,
			ChannelID: channelID,
			Member:    &discordgo.Member{User: user},
			Data: discordgo.MessageComponentInteractionData{
				CustomID: customID,
				Values:   values,
			},
		},
	}
}

func TestDiscord_SummarizesFirstURL(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	m := channelMessage(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"worth a read: https://news.example.com/story and https://other.example.com/too",
	)
	d.handleMessageCreate(context.Background(), gatewaySession(t), m)

	assert.Equal(t, 1, td.fetcher.callCount())
	assert.Equal(t, "https://news.example.com/story", td.fetcher.lastURL)
	assert.Equal(t, []string{"chan-1"}, session.typingChannels())
	assert.Equal(t, int64(1), d.metricMessages.Load())

	sends := session.complexMessages()
	require.Len(t, sends, 1)
	assert.Equal(t, "chan-1", sends[0].ChannelID)

	data := sends[0].Data
	require.NotNil(t, data.Embed)
	assert.Equal(t, "Article summary", data.Embed.Title)
	assert.Equal(t, defaultEmbedColor, data.Embed.Color)
	assert.Equal(t, "https://news.example.com/story", data.Embed.URL)
	assert.True(t, strings.HasPrefix(data.Embed.Description, "re:"))

	require.Len(t, data.Embed.Fields, 2)
	assert.Equal(t, "📰 Article", data.Embed.Fields[0].Name)
	assert.Equal(t, "Test Article", data.Embed.Fields[0].Value)
	assert.Equal(t, "🔗 Link", data.Embed.Fields[1].Name)
	assert.Equal(t, "https://news.example.com/story", data.Embed.Fields[1].Value)

	require.NotNil(t, data.Reference)
	assert.Equal(t, "msg-100", data.Reference.MessageID)
	assert.Equal(t, "chan-1", data.Reference.ChannelID)
	require.NotNil(t, data.AllowedMentions)
	assert.Empty(t, data.AllowedMentions.Parse)
}

func TestDiscord_SummaryUsesChannelPersona(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)
	td.store.SwitchPersona("chan-1", "pirate")

	m := channelMessage(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"https://news.example.com/story",
	)
	d.handleMessageCreate(context.Background(), gatewaySession(t), m)

	sends := session.complexMessages()
	require.Len(t, sends, 1)
	embed := sends[0].Data.Embed
	require.NotNil(t, embed)
	assert.Equal(t, "🏴‍☠️ Pirate Captain's article pick", embed.Title)
	assert.Equal(t, 0x2C2F33, embed.Color)

	// one-shot: summaries never touch history
	assert.Empty(t, td.store.History("chan-1", DefaultContextLimit))
}

func TestDiscord_IgnoresMessages(t *testing.T) {
	t.Parallel()

	author := &discordgo.User{ID: "user-1", Username: "reader"}
	tests := []struct {
		name    string
		message *discordgo.MessageCreate
	}{
		{
			name: "bot author",
			message: channelMessage(
				"chan-1",
				&discordgo.User{ID: "user-2", Username: "otherbot", Bot: true},
				"https://news.example.com/story",
			),
		},
		{
			name: "own message",
			message: channelMessage(
				"chan-1",
				&discordgo.User{ID: testBotUserID, Username: "linkpersona"},
				"https://news.example.com/story",
			),
		},
		{
			name:    "command prefix",
			message: channelMessage("chan-1", author, "/persona pirate"),
		},
		{
			name:    "no trigger",
			message: channelMessage("chan-1", author, "nothing to see here"),
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				d, session, td := newTestDiscord(t)

				d.handleMessageCreate(
					context.Background(),
					gatewaySession(t),
					tc.message,
				)

				assert.Zero(t, td.fetcher.callCount())
				assert.Zero(t, td.llm.callCount())
				assert.Empty(t, session.typingChannels())
				assert.Empty(t, session.channelMessages())
				assert.Empty(t, session.complexMessages())
				assert.Equal(t, int64(1), d.metricMessages.Load())
			},
		)
	}
}

func TestDiscord_MentionChatWithPersona(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)
	td.store.SwitchPersona("chan-7", "pirate")

	m := channelMessage(
		"chan-7",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"<@bot-self> what say ye?",
	)
	m.Mentions = []*discordgo.User{{ID: testBotUserID}}
	d.handleMessageCreate(context.Background(), gatewaySession(t), m)

	sends := session.complexMessages()
	require.Len(t, sends, 1)
	assert.Equal(
		t,
		"re:what say ye?\n\n-# persona: pirate",
		sends[0].Data.Content,
	)
	require.NotNil(t, sends[0].Data.Reference)
	assert.Equal(t, "msg-100", sends[0].Data.Reference.MessageID)

	history := td.store.History("chan-7", DefaultContextLimit)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "what say ye?", history[0].Content)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, "re:what say ye?", history[1].Content)
}

func TestDiscord_MentionChatDefaultVoice(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	m := channelMessage(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"<@bot-self> ahoy there",
	)
	m.Mentions = []*discordgo.User{{ID: testBotUserID}}
	d.handleMessageCreate(context.Background(), gatewaySession(t), m)

	sends := session.complexMessages()
	require.Len(t, sends, 1)
	assert.Equal(t, "re:ahoy there", sends[0].Data.Content)

	// default-voice chat is stateless
	assert.Empty(t, td.store.History("chan-1", DefaultContextLimit))
}

func TestDiscord_SendsUserFacingError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fetchErr error
		llmErr   error
		want     string
	}{
		{
			name: "fetch not found",
			fetchErr: &FetchError{
				URL:    "https://news.example.com/story",
				Reason: FetchNotFound,
				Status: 404,
			},
			want: "I couldn't find that page (404). It may have been removed.",
		},
		{
			name: "fetch forbidden",
			fetchErr: &FetchError{
				URL:    "https://news.example.com/story",
				Reason: FetchForbidden,
				Status: 403,
			},
			want: "That site refused to let me read the page (403 Forbidden).",
		},
		{
			name: "fetch timeout",
			fetchErr: &FetchError{
				URL:    "https://news.example.com/story",
				Reason: FetchTimeout,
			},
			want: "Fetching that page took too long. Try again later.",
		},
		{
			name:   "llm failure",
			llmErr: &LLMError{Reason: LLMProvider},
			want: "I couldn't generate a response right now. " +
				"Please try again later.",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				d, session, td := newTestDiscord(t)
				td.fetcher.err = tc.fetchErr
				td.llm.err = tc.llmErr

				m := channelMessage(
					"chan-1",
					&discordgo.User{ID: "user-1", Username: "reader"},
					"https://news.example.com/story",
				)
				d.handleMessageCreate(context.Background(), gatewaySession(t), m)

				sends := session.channelMessages()
				require.Len(t, sends, 1)
				assert.Equal(t, "chan-1", sends[0].ChannelID)
				assert.Equal(t, tc.want, sends[0].Content)
				assert.Empty(t, session.complexMessages())
			},
		)
	}
}

func TestDiscord_TypingFailureDoesNotBlockReply(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)
	session.typingErr = errors.New("typing broke")

	m := channelMessage(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"https://news.example.com/story",
	)
	d.handleMessageCreate(context.Background(), gatewaySession(t), m)

	assert.Len(t, session.complexMessages(), 1)
}

func TestDiscord_MessageWithoutAuthor(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	m := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-100",
			ChannelID: "chan-1",
			Content:   "https://news.example.com/story",
		},
	}
	d.handleMessageCreate(context.Background(), gatewaySession(t), m)

	assert.Zero(t, td.fetcher.callCount())
	assert.Empty(t, session.complexMessages())
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)
	d.config.NotificationChannelID = "notify-chan"
	d.config.StartupMessage = "I'm here!"

	sess := gatewaySession(t)
	assert.False(t, d.Connected())

	d.handlerConnect()(sess, &discordgo.Connect{})
	assert.True(t, d.Connected())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	sends := session.channelMessages()
	require.Len(t, sends, 1)
	assert.Equal(t, "notify-chan", sends[0].ChannelID)
	assert.Equal(t, "I'm here!", sends[0].Content)

	d.handlerDisconnect()(sess, &discordgo.Disconnect{})
	assert.False(t, d.Connected())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())

	// a session without state is logged, not dereferenced
	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.Equal(t, int64(2), d.metricConnects.Load())

	require.NoError(t, d.updateCustomStatus("drop me a link!"))
	assert.Equal(t, []string{"drop me a link!"}, session.customStatuses())
}

func TestDiscord_ConnectWithoutNotificationChannel(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)
	d.config.StartupMessage = "I'm here!"

	d.handlerConnect()(gatewaySession(t), &discordgo.Connect{})

	assert.True(t, d.Connected())
	assert.Empty(t, session.channelMessages())
}

func TestDiscord_ConnectStartupMessageFailure(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)
	d.config.NotificationChannelID = "notify-chan"
	d.config.StartupMessage = "I'm here!"
	session.sendErr = errors.New("channel gone")

	d.handlerConnect()(gatewaySession(t), &discordgo.Connect{})

	assert.True(t, d.Connected())
	assert.Empty(t, session.channelMessages())
}

func TestDiscord_RegisterCommands(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)

	created, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 3)

	overwrites := session.commandOverwrites()
	require.Len(t, overwrites, 1)
	assert.Equal(t, "1234567890", overwrites[0].AppID)
	assert.Equal(t, "", overwrites[0].GuildID)

	names := make([]string, 0, len(overwrites[0].Commands))
	for _, c := range overwrites[0].Commands {
		names = append(names, c.Name)
	}
	assert.Equal(
		t,
		[]string{
			DiscordSlashCommandPersona,
			DiscordSlashCommandDebate,
			DiscordSlashCommandStats,
		},
		names,
	)

	debate := overwrites[0].Commands[1]
	require.Len(t, debate.Options, 1)
	assert.Equal(t, debateCommandURLOption, debate.Options[0].Name)
	assert.True(t, debate.Options[0].Required)
}

func TestDiscord_RegisterCommandsError(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)
	session.overwriteErr = errors.New("bulk overwrite failed")

	_, err := d.registerCommands()
	require.Error(t, err)
}

func TestDiscord_PersonaCommandPicker(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandPersona,
		},
	)
	d.handlePersonaCommand(context.Background(), i)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	resp := responses[0]
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "Pick the voice for this channel:", resp.Data.Content)

	require.Len(t, resp.Data.Components, 1)
	row, ok := resp.Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 1)
	menu, ok := row.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)

	assert.Equal(t, "persona_select:0", menu.CustomID)
	assert.Equal(t, "Pick a persona...", menu.Placeholder)
	require.Len(t, menu.Options, 2)
	assert.Equal(t, "anchor", menu.Options[0].Value)
	assert.Equal(t, "Newsroom Anchor", menu.Options[0].Label)
	assert.Equal(t, "Measured, factual delivery", menu.Options[0].Description)
	require.NotNil(t, menu.Options[0].Emoji)
	assert.Equal(t, "🎙️", menu.Options[0].Emoji.Name)
	assert.Equal(t, "pirate", menu.Options[1].Value)
}

func TestDiscord_PersonaCommandSwitch(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandPersona,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(personaCommandStyleOption, "pirate"),
			},
		},
	)
	d.handlePersonaCommand(context.Background(), i)

	personaID, active := td.store.Persona("chan-1")
	require.True(t, active)
	assert.Equal(t, "pirate", personaID)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Data)
	require.Len(t, responses[0].Data.Embeds, 1)

	embed := responses[0].Data.Embeds[0]
	assert.Equal(t, "Persona set", embed.Title)
	assert.Contains(t, embed.Description, "🏴‍☠️ Pirate Captain")
	assert.Contains(t, embed.Description, "Salty nautical bluster")
	assert.Equal(t, 0x2C2F33, embed.Color)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, "Persona ID: pirate", embed.Footer.Text)
}

func TestDiscord_PersonaCommandReset(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)
	td.store.SwitchPersona("chan-1", "anchor")

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandPersona,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(personaCommandStyleOption, "reset"),
			},
		},
	)
	d.handlePersonaCommand(context.Background(), i)

	_, active := td.store.Persona("chan-1")
	assert.False(t, active)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	require.Len(t, responses[0].Data.Embeds, 1)
	assert.Equal(t, "Persona reset", responses[0].Data.Embeds[0].Title)
}

func TestDiscord_PersonaCommandUnknownStyle(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandPersona,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(personaCommandStyleOption, "senator"),
			},
		},
	)
	d.handlePersonaCommand(context.Background(), i)

	_, active := td.store.Persona("chan-1")
	assert.False(t, active)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Data)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
	assert.Equal(
		t,
		`persona not found: "senator" (available: anchor, pirate)`,
		responses[0].Data.Content,
	)
}

func TestDiscord_PersonaCommandRateLimited(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandPersona,
		},
	)
	d.handlePersonaCommand(context.Background(), i)
	d.handlePersonaCommand(context.Background(), i)

	responses := session.interactionResponses()
	require.Len(t, responses, 2)

	refused := responses[1]
	require.NotNil(t, refused.Data)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, refused.Data.Flags)
	assert.Contains(t, refused.Data.Content, "You're doing that too fast.")
}

func TestDiscord_PersonaSelect(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	i := selectInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"persona_select:0",
		"anchor",
	)
	d.handlePersonaSelect(context.Background(), i)

	personaID, active := td.store.Persona("chan-1")
	require.True(t, active)
	assert.Equal(t, "anchor", personaID)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	resp := responses[0]
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)
	require.NotNil(t, resp.Data)

	// the picker is replaced, not left clickable
	assert.NotNil(t, resp.Data.Components)
	assert.Empty(t, resp.Data.Components)

	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Persona set", resp.Data.Embeds[0].Title)

	// selections settle an already-charged /persona, so the user's
	// cooldown is untouched
	require.NoError(t, td.limiter.TryAcquire("user-1"))
}

func TestDiscord_PersonaSelectUnknownValue(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	i := selectInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"persona_select:0",
		"senator",
	)
	d.handlePersonaSelect(context.Background(), i)

	_, active := td.store.Persona("chan-1")
	assert.False(t, active)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseUpdateMessage,
		responses[0].Type,
	)
	assert.Equal(
		t,
		`persona not found: "senator" (available: anchor, pirate)`,
		responses[0].Data.Content,
	)
	assert.Empty(t, responses[0].Data.Embeds)
}

func TestDiscord_PersonaSelectWithoutValues(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	i := selectInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"persona_select:0",
	)
	d.handlePersonaSelect(context.Background(), i)

	_, active := td.store.Persona("chan-1")
	assert.False(t, active)
	assert.Empty(t, session.interactionResponses())
}

func TestDiscord_DebateCommand(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandDebate,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(debateCommandURLOption, "https://news.example.com/story"),
			},
		},
	)
	d.handleDebateCommand(context.Background(), i)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		responses[0].Type,
	)

	edits := session.responseEdits()
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].Embeds)

	embeds := *edits[0].Embeds
	require.Len(t, embeds, 1)
	embed := embeds[0]
	assert.Equal(t, "Test Article", embed.Title)
	assert.Equal(t, "https://news.example.com/story", embed.URL)

	require.Len(t, embed.Fields, 3)
	assert.Equal(t, "🗣️ Claim", embed.Fields[0].Name)
	assert.Equal(t, "🔄 Counter", embed.Fields[1].Name)
	assert.Equal(t, "⚖️ Verdict", embed.Fields[2].Name)
	for _, field := range embed.Fields {
		assert.True(
			t,
			strings.HasPrefix(field.Value, "re:"),
			"field %q should carry the stub response", field.Name,
		)
	}

	assert.Equal(t, 3, td.llm.callCount())
}

func TestDiscord_DebateCommandRejectsNonURL(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandDebate,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(debateCommandURLOption, "notaurl"),
			},
		},
	)
	d.handleDebateCommand(context.Background(), i)

	assert.Zero(t, td.fetcher.callCount())
	assert.Empty(t, session.responseEdits())

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		responses[0].Type,
	)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
	assert.Equal(
		t,
		"That doesn't look like a URL: notaurl",
		responses[0].Data.Content,
	)
}

func TestDiscord_DebateCommandFetchFailure(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)
	td.fetcher.err = &FetchError{
		URL:    "https://news.example.com/story",
		Reason: FetchTimeout,
	}

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandDebate,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(debateCommandURLOption, "https://news.example.com/story"),
			},
		},
	)
	d.handleDebateCommand(context.Background(), i)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		responses[0].Type,
	)

	edits := session.responseEdits()
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].Content)
	assert.Equal(
		t,
		"Fetching that page took too long. Try again later.",
		*edits[0].Content,
	)
	assert.Nil(t, edits[0].Embeds)
}

func TestDiscord_DebateCommandAckFailure(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)
	session.respondErr = errors.New("interaction expired")

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandDebate,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(debateCommandURLOption, "https://news.example.com/story"),
			},
		},
	)
	d.handleDebateCommand(context.Background(), i)

	// no ack, no work
	assert.Zero(t, td.fetcher.callCount())
	assert.Empty(t, session.responseEdits())
}

func TestDiscord_StatsCommand(t *testing.T) {
	t.Parallel()
	d, session, td := newTestDiscord(t)
	td.store.SwitchPersona("pirate-cove", "pirate")
	td.store.AppendExchange("chan-2", "hi", "yo")

	i := commandInteraction(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		discordgo.ApplicationCommandInteractionData{
			Name: DiscordSlashCommandStats,
		},
	)
	d.handleStatsCommand(context.Background(), i)

	responses := session.interactionResponses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Data)
	require.Len(t, responses[0].Data.Embeds, 1)

	embed := responses[0].Data.Embeds[0]
	assert.Equal(t, "Bot stats", embed.Title)
	require.Len(t, embed.Fields, 5)

	values := map[string]string{}
	for _, field := range embed.Fields {
		values[field.Name] = field.Value
	}
	assert.Equal(t, "2", values["Channels"])
	assert.Equal(t, "1", values["With persona"])
	assert.Equal(t, "1", values["With history"])
	assert.Equal(t, "2", values["Messages held"])
	assert.Equal(t, "2", values["Personas"])
}

func TestLinkPersona_HandleInteraction(t *testing.T) {
	t.Parallel()

	newBot := func(t *testing.T) (*LinkPersona, *mockDiscordSession, *testDispatcher) {
		t.Helper()
		d, session, td := newTestDiscord(t)
		lp := &LinkPersona{logger: testLogger(t), discord: d}
		return lp, session, td
	}

	t.Run(
		"ping pong", func(t *testing.T) {
			t.Parallel()
			lp, session, _ := newBot(t)

			lp.handleInteraction(
				context.Background(), &discordgo.InteractionCreate{
					Interaction: &discordgo.Interaction{
						ID:   "interaction-100",
						Type: discordgo.InteractionPing,
					},
				},
			)

			responses := session.interactionResponses()
			require.Len(t, responses, 1)
			assert.Equal(t, discordgo.InteractionResponsePong, responses[0].Type)
		},
	)

	t.Run(
		"routes persona select", func(t *testing.T) {
			t.Parallel()
			lp, _, td := newBot(t)

			lp.handleInteraction(
				context.Background(),
				selectInteraction(
					"chan-1",
					&discordgo.User{ID: "user-1", Username: "reader"},
					"persona_select:1",
					"pirate",
				),
			)

			personaID, active := td.store.Persona("chan-1")
			require.True(t, active)
			assert.Equal(t, "pirate", personaID)
		},
	)

	t.Run(
		"unknown component", func(t *testing.T) {
			t.Parallel()
			lp, session, _ := newBot(t)

			lp.handleInteraction(
				context.Background(),
				selectInteraction(
					"chan-1",
					&discordgo.User{ID: "user-1", Username: "reader"},
					"mystery_button",
					"anchor",
				),
			)

			assert.Empty(t, session.interactionResponses())
		},
	)

	t.Run(
		"routes slash command", func(t *testing.T) {
			t.Parallel()
			lp, _, td := newBot(t)

			lp.handleInteraction(
				context.Background(),
				commandInteraction(
					"chan-1",
					&discordgo.User{ID: "user-1", Username: "reader"},
					discordgo.ApplicationCommandInteractionData{
						Name: DiscordSlashCommandPersona,
						Options: []*discordgo.ApplicationCommandInteractionDataOption{
							stringOption(personaCommandStyleOption, "anchor"),
						},
					},
				),
			)

			personaID, active := td.store.Persona("chan-1")
			require.True(t, active)
			assert.Equal(t, "anchor", personaID)
		},
	)

	t.Run(
		"ignores bot users", func(t *testing.T) {
			t.Parallel()
			lp, session, _ := newBot(t)

			lp.handleInteraction(
				context.Background(),
				commandInteraction(
					"chan-1",
					&discordgo.User{ID: "user-2", Username: "otherbot", Bot: true},
					discordgo.ApplicationCommandInteractionData{
						Name: DiscordSlashCommandStats,
					},
				),
			)

			assert.Empty(t, session.interactionResponses())
		},
	)

	t.Run(
		"missing user", func(t *testing.T) {
			t.Parallel()
			lp, session, _ := newBot(t)

			lp.handleInteraction(
				context.Background(), &discordgo.InteractionCreate{
					Interaction: &discordgo.Interaction{
						ID:        "interaction-100",
						Type:      discordgo.InteractionApplicationCommand,
						ChannelID: "chan-1",
						Data: discordgo.ApplicationCommandInteractionData{
							Name: DiscordSlashCommandStats,
						},
					},
				},
			)

			assert.Empty(t, session.interactionResponses())
		},
	)

	t.Run(
		"unknown command", func(t *testing.T) {
			t.Parallel()
			lp, session, _ := newBot(t)

			lp.handleInteraction(
				context.Background(),
				commandInteraction(
					"chan-1",
					&discordgo.User{ID: "user-1", Username: "reader"},
					discordgo.ApplicationCommandInteractionData{Name: "color"},
				),
			)

			assert.Empty(t, session.interactionResponses())
		},
	)
}

func TestPersonaSelectComponents(t *testing.T) {
	t.Parallel()

	personas := make([]Persona, 0, 30)
	for i := 0; i < 30; i++ {
		personas = append(
			personas, Persona{
				ID:          fmt.Sprintf("persona-%02d", i),
				Name:        fmt.Sprintf("Persona %02d", i),
				Description: strings.Repeat("d", 160),
			},
		)
	}

	rows := personaSelectComponents(personas)
	require.Len(t, rows, 2)

	first, ok := rows[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, first.Components, 1)
	menu, ok := first.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	assert.Equal(t, "persona_select:0", menu.CustomID)
	assert.Len(t, menu.Options, discordSelectMaxOptions)

	// descriptions are capped at discord's limit, and personas without
	// an icon get no emoji
	assert.Equal(
		t,
		strings.Repeat("d", discordSelectDescriptionMaxLength),
		menu.Options[0].Description,
	)
	assert.Nil(t, menu.Options[0].Emoji)

	second, ok := rows[1].(discordgo.ActionsRow)
	require.True(t, ok)
	overflow, ok := second.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	assert.Equal(t, "persona_select:1", overflow.CustomID)
	assert.Len(t, overflow.Options, 5)
}

func TestDiscord_SendReplyUnknownType(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDiscord(t)

	m := channelMessage(
		"chan-1",
		&discordgo.User{ID: "user-1", Username: "reader"},
		"hello",
	)
	err := d.sendReply(m, &PersonaReply{Outcome: PersonaOutcomeReset})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no message renderer")
}

func TestMessageMentionsUser(t *testing.T) {
	t.Parallel()

	msg := &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "abc"}, {ID: "def"}},
	}

	assert.True(t, messageMentionsUser(msg, "abc"))
	assert.True(t, messageMentionsUser(msg, "def"))
	assert.False(t, messageMentionsUser(msg, "zzz"))
	assert.False(t, messageMentionsUser(msg, ""))
	assert.False(t, messageMentionsUser(nil, "abc"))
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()

	user := &discordgo.User{ID: "user-1"}

	direct := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: user},
	}
	assert.Equal(t, user, getDiscordUser(direct))

	member := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: user},
		},
	}
	assert.Equal(t, user, getDiscordUser(member))

	neither := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{},
	}
	assert.Nil(t, getDiscordUser(neither))
}

func TestDiscordSession_SetLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level slog.Level
		want  int
	}{
		{slog.LevelDebug, discordgo.LogDebug},
		{slog.LevelInfo, discordgo.LogInformational},
		{slog.LevelWarn, discordgo.LogWarning},
		{slog.LevelError, discordgo.LogError},
	}
	for _, tc := range tests {
		session := DiscordSession{session: &discordgo.Session{}}
		require.NoError(t, session.SetLogLevel(tc.level))
		assert.Equal(t, tc.want, session.session.LogLevel)
	}

	session := DiscordSession{session: &discordgo.Session{}}
	assert.Error(t, session.SetLogLevel(slog.Level(-2)))
}

func TestNewDiscord(t *testing.T) {
	t.Parallel()

	d, err := newDiscord(&DiscordConfig{Token: "discord-bot-token"}, nil)
	require.NoError(t, err)
	require.NotNil(t, d)

	_, err = newDiscord(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil discord config")
}
