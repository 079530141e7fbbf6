package linkpersona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// Instructions used when no persona is active, and for the fixed stages
// of the debate chain. Persona voices come from the registry instead.
const (
	defaultChatInstruction = "You are a helpful, friendly assistant. " +
		"Reply conversationally and keep answers short enough to read " +
		"in a chat channel."

	defaultSummaryInstruction = "You are a careful reader who " +
		"summarizes web articles plainly and accurately, without " +
		"adding opinions."

	stanceInstruction = "You are an analyst who objectively identifies " +
		"the claims an article makes."

	counterInstruction = "You are a critical-thinking debater who " +
		"produces constructive, persuasive counterarguments."

	verdictInstruction = "You are a neutral moderator who sums up " +
		"debates without taking sides."
)

// personaNone marks a reply generated without an active persona.
const personaNone = "none"

// Command outcomes recorded on CommandLog audit rows.
const (
	commandOutcomeOK          = "ok"
	commandOutcomeChoices     = "choices"
	commandOutcomeRateLimited = "rate_limited"
	commandOutcomeError       = "error"
)

// Reply is a response payload produced by the dispatcher. Frontends
// type-switch on the concrete type to render it.
type Reply interface {
	reply()
}

// SummaryReply is the structured result of an article summarization.
// PersonaID is "none" when the summary used the default voice.
type SummaryReply struct {
	Summary      string   `json:"summary"`
	PersonaID    string   `json:"persona_id"`
	Persona      *Persona `json:"persona,omitempty"`
	ArticleTitle string   `json:"article_title"`
	ArticleURL   string   `json:"article_url"`
	Truncated    bool     `json:"truncated,omitempty"`
}

// ChatReply is a single persona-chat response. ContextUsed counts the
// history entries that were sent with the completion.
type ChatReply struct {
	Response    string   `json:"response"`
	PersonaID   string   `json:"persona_id,omitempty"`
	Persona     *Persona `json:"persona,omitempty"`
	ContextUsed int      `json:"context_used"`
}

// PersonaOutcome distinguishes what a persona command did.
type PersonaOutcome string

const (
	// PersonaOutcomeChoices means no style was given, and the frontend
	// should render a picker from Choices.
	PersonaOutcomeChoices PersonaOutcome = "choices"

	// PersonaOutcomeSwitched means the channel now speaks as Persona.
	PersonaOutcomeSwitched PersonaOutcome = "switched"

	// PersonaOutcomeReset means the channel is back to the default voice.
	PersonaOutcomeReset PersonaOutcome = "reset"
)

// PersonaReply is the result of a persona command or picker selection.
type PersonaReply struct {
	Outcome  PersonaOutcome `json:"outcome"`
	Persona  *Persona       `json:"persona,omitempty"`
	Previous string         `json:"previous,omitempty"`
	Choices  []Persona      `json:"choices,omitempty"`
}

// DebateReply is the three-stage debate over a single article.
type DebateReply struct {
	Stance       string `json:"stance"`
	Counter      string `json:"counter"`
	Verdict      string `json:"verdict"`
	ArticleTitle string `json:"article_title"`
	ArticleURL   string `json:"article_url"`
}

// StatsReply reports in-memory store counters and the registry size.
type StatsReply struct {
	Conversations ConversationStats `json:"conversations"`
	PersonaCount  int               `json:"persona_count"`
	PersonaIDs    []string          `json:"persona_ids"`
}

func (*SummaryReply) reply() {}
func (*ChatReply) reply()    {}
func (*PersonaReply) reply() {}
func (*DebateReply) reply()  {}
func (*StatsReply) reply()   {}

// Dispatcher routes classified inbound work to the conversation store,
// persona registry, article fetcher and LLM client, and produces reply
// payloads for the frontends to render.
//
// All collaborators are injected at construction so tests can substitute
// them. Collaborator failures never mutate shared state: a chat exchange
// is appended to history only after the completion succeeded.
type Dispatcher struct {
	store    ConversationStore
	registry PersonaRegistry
	fetcher  ArticleFetcher
	llm      LLMClient
	limiter  *CommandLimiter

	// writeDB, when set, receives audit rows for summaries, chats,
	// debates and commands. Assigned by the app once the database is
	// up; nil disables auditing.
	writeDB DBI

	logger *slog.Logger

	contextLimit int
	summary      SummaryConfig

	mu           sync.Mutex
	channelLocks map[string]*sync.Mutex

	auditWG sync.WaitGroup
}

// NewDispatcher wires the dispatcher to its collaborators. A nil limiter
// gets a default one built from config.CommandCooldown.
func NewDispatcher(
	config *ConversationConfig,
	summary SummaryConfig,
	store ConversationStore,
	registry PersonaRegistry,
	fetcher ArticleFetcher,
	llm LLMClient,
	limiter *CommandLimiter,
	logger *slog.Logger,
) *Dispatcher {
	contextLimit := DefaultContextLimit
	var cooldown time.Duration
	if config != nil {
		if config.ContextLimit > 0 {
			contextLimit = config.ContextLimit
		}
		cooldown = config.CommandCooldown
	}
	if limiter == nil {
		limiter = NewCommandLimiter(cooldown)
	}
	if summary.MinChars <= 0 {
		summary.MinChars = DefaultSummaryMinChars
	}
	if summary.MaxChars < summary.MinChars {
		summary.MaxChars = DefaultSummaryMaxChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		registry:     registry,
		fetcher:      fetcher,
		llm:          llm,
		limiter:      limiter,
		logger:       logger.With(loggerNameKey, "dispatcher"),
		contextLimit: contextLimit,
		summary:      summary,
		channelLocks: map[string]*sync.Mutex{},
	}
}

// SetWriteDB enables audit logging through db.
func (d *Dispatcher) SetWriteDB(db DBI) {
	d.writeDB = db
}

// channelLock returns the mutex serializing chat exchanges on a channel,
// creating it on first use. It is held across the completion call, so
// two concurrent exchanges on one channel record their turns in order;
// other channels are unaffected.
func (d *Dispatcher) channelLock(channelID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		d.channelLocks[channelID] = lock
	}
	return lock
}

// HandleMessage classifies one inbound channel message and executes the
// matching pipeline. A nil reply with a nil error means the message was
// ignored. Passive triggers (URLs, mentions) skip the command limiter.
func (d *Dispatcher) HandleMessage(
	ctx context.Context,
	msg InboundMessage,
) (Reply, error) {
	logger := d.logger.With(
		"channel_id", msg.ChannelID,
		"user_id", msg.UserID,
	)
	ctx = WithLogger(ctx, logger)

	switch action := ClassifyMessage(msg).(type) {
	case ActionIgnore:
		logger.DebugContext(ctx, "ignoring message", "reason", action.Reason)
		return nil, nil
	case ActionSummarize:
		reply, err := d.summarizeForChannel(ctx, msg, action.URL)
		if err != nil {
			return nil, err
		}
		return reply, nil
	case ActionChat:
		reply, err := d.chat(ctx, msg, action.Content)
		if err != nil {
			return nil, err
		}
		return reply, nil
	case ActionCommand:
		return d.runCommand(ctx, msg, action)
	default:
		logger.WarnContext(
			ctx,
			"unhandled message action",
			"action", fmt.Sprintf("%T", action),
		)
		return nil, nil
	}
}

// runCommand executes an ActionCommand produced by the classifier. On
// Discord, commands arrive as interactions and call the command methods
// directly; this path serves command-shaped messages from other sources.
func (d *Dispatcher) runCommand(
	ctx context.Context,
	msg InboundMessage,
	action ActionCommand,
) (Reply, error) {
	arg := ""
	if len(action.Args) > 0 {
		arg = action.Args[0]
	}
	switch action.Name {
	case DiscordSlashCommandPersona:
		reply, err := d.PersonaCommand(
			ctx, msg.ChannelID, msg.UserID, arg, msg.Source,
		)
		if err != nil {
			return nil, err
		}
		return reply, nil
	case DiscordSlashCommandDebate:
		reply, err := d.DebateCommand(
			ctx, msg.ChannelID, msg.UserID, arg, msg.Source,
		)
		if err != nil {
			return nil, err
		}
		return reply, nil
	case DiscordSlashCommandStats:
		reply, err := d.StatsCommand(
			ctx, msg.ChannelID, msg.UserID, msg.Source,
		)
		if err != nil {
			return nil, err
		}
		return reply, nil
	default:
		return nil, ValidationError(
			fmt.Sprintf("unknown command %q", action.Name),
		)
	}
}

// summarizeJob carries one summarization through fetch, completion and
// auditing.
type summarizeJob struct {
	url       string
	persona   *Persona
	channelID string
	userID    string
	source    string
}

// summarizeForChannel summarizes a URL posted as a plain message, using
// the channel's active persona if one is set. Summaries are one-shot:
// they never read or write conversation history.
func (d *Dispatcher) summarizeForChannel(
	ctx context.Context,
	msg InboundMessage,
	url string,
) (*SummaryReply, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = d.logger
	}

	var persona *Persona
	if personaID, active := d.store.Persona(msg.ChannelID); active {
		if p, found := d.registry.Get(personaID); found {
			persona = &p
		} else {
			logger.WarnContext(
				ctx,
				"channel persona missing from registry, using default voice",
				"persona_id", personaID,
			)
		}
	}

	return d.summarize(
		ctx, summarizeJob{
			url:       url,
			persona:   persona,
			channelID: msg.ChannelID,
			userID:    msg.UserID,
			source:    msg.Source,
		},
	)
}

// SummarizeURL summarizes an article on behalf of the HTTP API. An
// explicit persona ID must exist in the registry. With none given, the
// first persona (by ID) is used, so API summaries always have a voice.
// userID is recorded on the audit row and may be empty.
func (d *Dispatcher) SummarizeURL(
	ctx context.Context,
	url string,
	personaID string,
	userID string,
	source string,
) (*SummaryReply, error) {
	var persona *Persona
	if personaID != "" {
		p, found := d.registry.Get(personaID)
		if !found {
			return nil, d.personaNotFound(personaID)
		}
		persona = &p
	} else {
		all := d.registry.All()
		if len(all) == 0 {
			return nil, ErrEmptyRegistry
		}
		persona = &all[0]
	}
	return d.summarize(
		ctx, summarizeJob{
			url:     url,
			persona: persona,
			userID:  userID,
			source:  source,
		},
	)
}

func (d *Dispatcher) summarize(
	ctx context.Context,
	job summarizeJob,
) (*SummaryReply, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = d.logger
	}
	started := time.Now()

	personaID := personaNone
	instruction := defaultSummaryInstruction
	if job.persona != nil {
		personaID = job.persona.ID
		instruction = job.persona.SystemMessage()
	}

	record := &SummaryLog{
		ChannelID: job.channelID,
		UserID:    job.userID,
		URL:       job.url,
		PersonaID: personaID,
		Source:    job.source,
	}

	article, err := d.fetcher.Fetch(ctx, job.url)
	if err != nil {
		logger.WarnContext(
			ctx,
			"article fetch failed",
			tint.Err(err),
			"url", job.url,
		)
		record.DurationMS = time.Since(started).Milliseconds()
		record.Error = err.Error()
		d.audit(record)
		return nil, err
	}
	record.ArticleTitle = article.Title

	summary, err := d.llm.Complete(
		ctx, CompletionRequest{
			Instruction: instruction,
			UserMessage: summaryPrompt(article, d.summary),
		},
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"summary generation failed",
			tint.Err(err),
			"url", job.url,
			"persona_id", personaID,
		)
		record.DurationMS = time.Since(started).Milliseconds()
		record.Error = err.Error()
		d.audit(record)
		return nil, err
	}
	summary = strings.TrimSpace(summary)

	record.Summary = summary
	record.DurationMS = time.Since(started).Milliseconds()
	d.audit(record)

	logger.InfoContext(
		ctx,
		"summarized article",
		"url", job.url,
		"title", article.Title,
		"persona_id", personaID,
		"duration_ms", record.DurationMS,
	)

	return &SummaryReply{
		Summary:      summary,
		PersonaID:    personaID,
		Persona:      job.persona,
		ArticleTitle: article.Title,
		ArticleURL:   article.URL,
		Truncated:    article.Truncated,
	}, nil
}

// chat runs the persona-chat pipeline for one mention.
//
// With a persona active, the most recent history entries (up to the
// context limit) are sent along with the new message, and the exchange
// is recorded only after the completion succeeded, so a failed call
// leaves history untouched. Without a persona the reply is stateless:
// no history is read or written.
func (d *Dispatcher) chat(
	ctx context.Context,
	msg InboundMessage,
	content string,
) (*ChatReply, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = d.logger
	}
	started := time.Now()

	lock := d.channelLock(msg.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	var persona *Persona
	personaID, active := d.store.Persona(msg.ChannelID)
	if active {
		p, found := d.registry.Get(personaID)
		if !found {
			logger.WarnContext(
				ctx,
				"channel persona missing from registry",
				"persona_id", personaID,
			)
			return nil, ValidationError(
				fmt.Sprintf(
					"persona %q is no longer available, use /%s to pick another",
					personaID,
					DiscordSlashCommandPersona,
				),
			)
		}
		persona = &p
	}

	req := CompletionRequest{
		Instruction: defaultChatInstruction,
		UserMessage: content,
	}
	if persona != nil {
		req.Instruction = persona.SystemMessage()
		req.History = d.store.History(msg.ChannelID, d.contextLimit)
	}

	record := &ChatLog{
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		PersonaID: personaID,
		Prompt:    content,
		Source:    msg.Source,
	}

	response, err := d.llm.Complete(ctx, req)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"chat generation failed",
			tint.Err(err),
			"persona_id", personaID,
		)
		record.DurationMS = time.Since(started).Milliseconds()
		record.Error = err.Error()
		d.audit(record)
		return nil, err
	}
	response = strings.TrimSpace(response)

	if persona != nil {
		d.store.AppendExchange(msg.ChannelID, content, response)
	}

	record.Response = response
	record.DurationMS = time.Since(started).Milliseconds()
	d.audit(record)

	logger.InfoContext(
		ctx,
		"chat exchange complete",
		"persona_id", personaID,
		"history_sent", len(req.History),
		"duration_ms", record.DurationMS,
	)

	return &ChatReply{
		Response:    response,
		PersonaID:   personaID,
		Persona:     persona,
		ContextUsed: len(req.History),
	}, nil
}

// Converse replies to userMessage in a persona's voice over a
// caller-supplied history, reading and writing no channel state. The
// HTTP API's conversation mode uses this; Discord mentions go through
// HandleMessage, which keeps history server-side.
//
// An empty personaID selects the first persona by ID. Histories longer
// than the context limit are clamped to their most recent entries.
func (d *Dispatcher) Converse(
	ctx context.Context,
	personaID string,
	history []ConversationMessage,
	userMessage string,
	source string,
) (*ChatReply, error) {
	started := time.Now()

	var persona *Persona
	if personaID != "" {
		p, found := d.registry.Get(personaID)
		if !found {
			return nil, d.personaNotFound(personaID)
		}
		persona = &p
	} else {
		all := d.registry.All()
		if len(all) == 0 {
			return nil, ErrEmptyRegistry
		}
		persona = &all[0]
	}

	if len(history) > d.contextLimit {
		history = history[len(history)-d.contextLimit:]
	}

	record := &ChatLog{
		PersonaID: persona.ID,
		Prompt:    userMessage,
		Source:    source,
	}

	response, err := d.llm.Complete(
		ctx, CompletionRequest{
			Instruction: persona.SystemMessage(),
			History:     history,
			UserMessage: userMessage,
		},
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"conversation generation failed",
			tint.Err(err),
			"persona_id", persona.ID,
		)
		record.DurationMS = time.Since(started).Milliseconds()
		record.Error = err.Error()
		d.audit(record)
		return nil, err
	}
	response = strings.TrimSpace(response)

	record.Response = response
	record.DurationMS = time.Since(started).Milliseconds()
	d.audit(record)

	return &ChatReply{
		Response:    response,
		PersonaID:   persona.ID,
		Persona:     persona,
		ContextUsed: len(history),
	}, nil
}

// PersonaCommand executes a /persona invocation.
//
// With no style ID it returns the available personas for the frontend
// to render as a picker; the eventual selection comes back through
// CommitPersona. The reserved ID "reset" restores the default voice.
// Any other style ID must exist in the registry. Switching or resetting
// always clears the channel's history.
func (d *Dispatcher) PersonaCommand(
	ctx context.Context,
	channelID string,
	userID string,
	styleID string,
	source string,
) (*PersonaReply, error) {
	logger := d.logger.With("channel_id", channelID, "user_id", userID)

	record := &CommandLog{
		ChannelID: channelID,
		UserID:    userID,
		Command:   DiscordSlashCommandPersona,
		Args:      styleID,
		Source:    source,
	}

	if err := d.limiter.TryAcquire(userID); err != nil {
		logger.InfoContext(
			ctx,
			"persona command rate limited",
			"style_id", styleID,
		)
		record.Outcome = commandOutcomeRateLimited
		d.audit(record)
		return nil, err
	}

	if styleID == "" {
		choices := d.registry.All()
		if len(choices) == 0 {
			record.Outcome = commandOutcomeError
			d.audit(record)
			return nil, ErrEmptyRegistry
		}
		record.Outcome = commandOutcomeChoices
		d.audit(record)
		return &PersonaReply{
			Outcome: PersonaOutcomeChoices,
			Choices: choices,
		}, nil
	}

	reply, err := d.switchPersona(ctx, channelID, styleID)
	if err != nil {
		record.Outcome = commandOutcomeError
		d.audit(record)
		return nil, err
	}
	record.Outcome = commandOutcomeOK
	d.audit(record)
	return reply, nil
}

// CommitPersona applies a persona selection made through the frontend's
// picker. It bypasses the command limiter: the /persona invocation that
// opened the picker was already charged.
func (d *Dispatcher) CommitPersona(
	ctx context.Context,
	channelID string,
	userID string,
	styleID string,
	source string,
) (*PersonaReply, error) {
	record := &CommandLog{
		ChannelID: channelID,
		UserID:    userID,
		Command:   DiscordSlashCommandPersona,
		Args:      styleID,
		Source:    source,
	}
	reply, err := d.switchPersona(ctx, channelID, styleID)
	if err != nil {
		record.Outcome = commandOutcomeError
		d.audit(record)
		return nil, err
	}
	record.Outcome = commandOutcomeOK
	d.audit(record)
	return reply, nil
}

// switchPersona validates styleID and applies the change. History
// clearing rides along inside the store operation, so no caller can
// switch a persona and keep the old voice's context.
func (d *Dispatcher) switchPersona(
	ctx context.Context,
	channelID string,
	styleID string,
) (*PersonaReply, error) {
	if styleID == reservedPersonaID {
		previous := d.store.ResetPersona(channelID)
		d.logger.InfoContext(
			ctx,
			"persona reset",
			"channel_id", channelID,
			"previous", previous,
		)
		return &PersonaReply{
			Outcome:  PersonaOutcomeReset,
			Previous: previous,
		}, nil
	}

	persona, found := d.registry.Get(styleID)
	if !found {
		return nil, d.personaNotFound(styleID)
	}

	previous := d.store.SwitchPersona(channelID, persona.ID)
	d.logger.InfoContext(
		ctx,
		"persona switched",
		"channel_id", channelID,
		"persona_id", persona.ID,
		"previous", previous,
	)
	return &PersonaReply{
		Outcome:  PersonaOutcomeSwitched,
		Persona:  &persona,
		Previous: previous,
	}, nil
}

// DebateCommand fetches an article and runs the three-stage debate
// chain: the article's main claim, a counterargument, and a neutral
// wrap-up. Each stage is a separate completion with its own fixed
// instruction; the channel's persona is not involved.
func (d *Dispatcher) DebateCommand(
	ctx context.Context,
	channelID string,
	userID string,
	url string,
	source string,
) (*DebateReply, error) {
	if err := d.limiter.TryAcquire(userID); err != nil {
		d.logger.InfoContext(
			ctx,
			"debate command rate limited",
			"channel_id", channelID,
			"user_id", userID,
			"url", url,
		)
		d.audit(
			&CommandLog{
				ChannelID: channelID,
				UserID:    userID,
				Command:   DiscordSlashCommandDebate,
				Args:      url,
				Outcome:   commandOutcomeRateLimited,
				Source:    source,
			},
		)
		return nil, err
	}
	return d.debate(ctx, channelID, userID, url, source)
}

// Debate runs the debate chain for callers outside the command cooldown,
// like the HTTP API.
func (d *Dispatcher) Debate(
	ctx context.Context,
	url string,
	source string,
) (*DebateReply, error) {
	return d.debate(ctx, "", "", url, source)
}

func (d *Dispatcher) debate(
	ctx context.Context,
	channelID string,
	userID string,
	url string,
	source string,
) (*DebateReply, error) {
	logger := d.logger.With("channel_id", channelID, "user_id", userID)
	started := time.Now()

	record := &DebateLog{
		ChannelID: channelID,
		UserID:    userID,
		URL:       url,
		Source:    source,
	}
	fail := func(err error) (*DebateReply, error) {
		record.DurationMS = time.Since(started).Milliseconds()
		record.Error = err.Error()
		d.audit(record)
		return nil, err
	}

	article, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		logger.WarnContext(ctx, "debate fetch failed", tint.Err(err), "url", url)
		return fail(err)
	}
	record.ArticleTitle = article.Title

	stance, err := d.llm.Complete(
		ctx, CompletionRequest{
			Instruction: stanceInstruction,
			UserMessage: stancePrompt(article, d.summary),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "stance generation failed", tint.Err(err))
		return fail(err)
	}
	stance = strings.TrimSpace(stance)
	record.Stance = stance

	counter, err := d.llm.Complete(
		ctx, CompletionRequest{
			Instruction: counterInstruction,
			UserMessage: counterPrompt(stance, d.summary),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "counterargument generation failed", tint.Err(err))
		return fail(err)
	}
	counter = strings.TrimSpace(counter)
	record.Counter = counter

	verdict, err := d.llm.Complete(
		ctx, CompletionRequest{
			Instruction: verdictInstruction,
			UserMessage: verdictPrompt(stance, counter, d.summary),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "verdict generation failed", tint.Err(err))
		return fail(err)
	}
	verdict = strings.TrimSpace(verdict)
	record.Verdict = verdict

	record.DurationMS = time.Since(started).Milliseconds()
	d.audit(record)

	logger.InfoContext(
		ctx,
		"debate complete",
		"url", url,
		"title", article.Title,
		"duration_ms", record.DurationMS,
	)

	return &DebateReply{
		Stance:       stance,
		Counter:      counter,
		Verdict:      verdict,
		ArticleTitle: article.Title,
		ArticleURL:   article.URL,
	}, nil
}

// StatsCommand reports store and registry counters as a command, with
// the usual cooldown.
func (d *Dispatcher) StatsCommand(
	ctx context.Context,
	channelID string,
	userID string,
	source string,
) (*StatsReply, error) {
	record := &CommandLog{
		ChannelID: channelID,
		UserID:    userID,
		Command:   DiscordSlashCommandStats,
		Source:    source,
	}
	if err := d.limiter.TryAcquire(userID); err != nil {
		record.Outcome = commandOutcomeRateLimited
		d.audit(record)
		return nil, err
	}
	record.Outcome = commandOutcomeOK
	d.audit(record)
	return d.Stats(), nil
}

// Stats reports store and registry counters without the command
// cooldown. The HTTP API uses this directly.
func (d *Dispatcher) Stats() *StatsReply {
	ids := d.registry.IDs()
	return &StatsReply{
		Conversations: d.store.Stats(),
		PersonaCount:  len(ids),
		PersonaIDs:    ids,
	}
}

// personaNotFound builds the lookup failure, naming the valid IDs so
// the caller can correct the request.
func (d *Dispatcher) personaNotFound(styleID string) error {
	return fmt.Errorf(
		"%w: %q (available: %s)",
		ErrPersonaNotFound,
		styleID,
		strings.Join(d.registry.IDs(), ", "),
	)
}

// audit persists an audit row in the background. Rows are best effort:
// a failed write is logged and dropped, never surfaced to the user.
func (d *Dispatcher) audit(record any) {
	if d.writeDB == nil {
		return
	}
	d.auditWG.Add(1)
	go func() {
		defer d.auditWG.Done()
		if _, err := d.writeDB.Create(context.Background(), record); err != nil {
			d.logger.Error(
				"error writing audit record",
				tint.Err(err),
				"record", structToSlogValue(record),
			)
		}
	}()
}

// Wait blocks until in-flight audit writes have finished. Called during
// shutdown so rows for the last handled events aren't lost.
func (d *Dispatcher) Wait() {
	d.auditWG.Wait()
}

// UserFacingError renders err as a message safe to show in a channel.
// Provider internals and credentials never appear in the output.
func UserFacingError(err error) string {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Sprintf(
			"You're doing that too fast. Try again in %s.",
			rateErr.RetryAfter.Round(time.Second),
		)
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		switch fetchErr.Reason {
		case FetchNotFound:
			return "I couldn't find that page (404). It may have been removed."
		case FetchForbidden:
			return "That site refused to let me read the page (403 Forbidden)."
		case FetchTimeout:
			return "Fetching that page took too long. Try again later."
		case FetchUnsupportedContent:
			return "I couldn't extract readable text from that page."
		default:
			return "I couldn't fetch that page."
		}
	}

	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return "I couldn't generate a response right now. Please try again later."
	}

	if errors.Is(err, ErrPersonaNotFound) || errors.Is(err, ErrEmptyRegistry) {
		return err.Error()
	}

	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return string(validationErr)
	}

	return "Something went wrong. Please try again."
}

func articleTitle(article Article) string {
	if article.Title == "" {
		return "(untitled)"
	}
	return article.Title
}

// summaryPrompt asks for a summary in the active voice, bounded to the
// configured length so replies fit comfortably in a channel.
func summaryPrompt(article Article, cfg SummaryConfig) string {
	return fmt.Sprintf(
		`Summarize the following article in your own voice, in %d-%d characters.

Article title: %s

Article body:
%s

Write the summary:`,
		cfg.MinChars,
		cfg.MaxChars,
		articleTitle(article),
		article.Text,
	)
}

func stancePrompt(article Article, cfg SummaryConfig) string {
	return fmt.Sprintf(
		`Identify the main claim or message of the following article in about %d characters.

Article title: %s

Article body:
%s

Main claim:`,
		cfg.MinChars,
		articleTitle(article),
		article.Text,
	)
}

func counterPrompt(stance string, cfg SummaryConfig) string {
	return fmt.Sprintf(
		`Write a persuasive counterargument to the following claim, from the opposing side, in about %d characters.

Claim:
%s

Counterargument:`,
		cfg.MaxChars,
		stance,
	)
}

func verdictPrompt(stance string, counter string, cfg SummaryConfig) string {
	return fmt.Sprintf(
		`Write a brief, even-handed wrap-up of this exchange in about %d characters.

Claim:
%s

Counterargument:
%s

Wrap-up:`,
		cfg.MinChars,
		stance,
		counter,
	)
}
