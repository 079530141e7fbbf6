package linkpersona

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Message roles recorded in conversation history. These match the chat
// completion API roles so history entries can be forwarded as-is.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is a single turn in a channel's conversation history.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationStats summarizes the store's contents for the /stats
// command and the GET /stats endpoint.
type ConversationStats struct {
	ChannelCount        int `json:"channel_count"`
	ChannelsWithPersona int `json:"channels_with_persona"`
	ChannelsWithHistory int `json:"channels_with_history"`
	TotalMessageCount   int `json:"total_message_count"`
}

// ConversationStore tracks, per channel, the active persona and a bounded
// conversation history.
//
// The bound is enforced on every append: once a channel's history holds
// the configured maximum, adding a turn discards the oldest entry.
// Switching or resetting a persona always discards the channel's history,
// so a new persona never inherits turns written in another voice.
//
// Implementations must be safe for concurrent use and must not perform
// I/O while holding internal locks.
type ConversationStore interface {
	// SwitchPersona atomically sets the channel's persona and clears its
	// history, returning the previously active persona ID ("" if none).
	SwitchPersona(channelID string, personaID string) (previous string)

	// Persona returns the channel's active persona ID, and false if the
	// channel has no explicit persona set.
	Persona(channelID string) (string, bool)

	// ResetPersona clears the channel's persona and history, returning
	// the previously active persona ID ("" if none).
	ResetPersona(channelID string) (previous string)

	// ClearHistory discards the channel's history, returning the number
	// of messages removed. The persona is untouched.
	ClearHistory(channelID string) int

	// AppendMessage records a single turn, evicting the oldest turn if
	// the channel is at capacity.
	AppendMessage(channelID string, role string, content string)

	// AppendExchange records a user turn and the assistant's reply as one
	// operation, so concurrent appends can't interleave a pair.
	AppendExchange(channelID string, userContent string, assistantContent string)

	// History returns copies of up to limit of the channel's most recent
	// messages, ordered oldest first. A non-positive limit returns nil.
	History(channelID string, limit int) []ConversationMessage

	// Stats reports counters across all channels.
	Stats() ConversationStats
}

type channelState struct {
	mu        sync.Mutex
	personaID string
	history   []ConversationMessage
}

// MemoryConversationStore is the in-memory ConversationStore used in
// production. State does not survive a restart.
type MemoryConversationStore struct {
	mu         sync.RWMutex
	channels   map[string]*channelState
	maxHistory int
	logger     *slog.Logger
	now        func() time.Time
}

// NewMemoryConversationStore returns a store bounding each channel's
// history to maxHistory messages.
func NewMemoryConversationStore(
	maxHistory int,
	logger *slog.Logger,
) *MemoryConversationStore {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryConversationStore{
		channels:   map[string]*channelState{},
		maxHistory: maxHistory,
		logger:     logger.With(loggerNameKey, "conversation_store"),
		now:        time.Now,
	}
}

// channel returns the state for channelID, creating it if absent.
func (c *MemoryConversationStore) channel(channelID string) *channelState {
	c.mu.RLock()
	state, ok := c.channels[channelID]
	c.mu.RUnlock()
	if ok {
		return state
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok = c.channels[channelID]
	if !ok {
		state = &channelState{}
		c.channels[channelID] = state
	}
	return state
}

// repair discards state that violates the history bound. It should never
// fire; if it does, the channel is treated as fresh rather than serving
// corrupt context. Callers must hold state.mu.
func (c *MemoryConversationStore) repair(channelID string, state *channelState) {
	if len(state.history) <= c.maxHistory {
		return
	}
	err := &InternalStateError{
		ChannelID: channelID,
		Op:        "repair",
		Err: fmt.Errorf(
			"history length %d exceeds bound %d",
			len(state.history),
			c.maxHistory,
		),
	}
	c.logger.Error("discarding corrupt channel state", "error", err)
	state.history = nil
}

// SwitchPersona sets the channel's persona and clears its history in one
// critical section.
func (c *MemoryConversationStore) SwitchPersona(
	channelID string,
	personaID string,
) string {
	state := c.channel(channelID)
	state.mu.Lock()
	defer state.mu.Unlock()
	previous := state.personaID
	state.personaID = personaID
	state.history = nil
	return previous
}

// Persona returns the channel's active persona ID.
func (c *MemoryConversationStore) Persona(channelID string) (string, bool) {
	c.mu.RLock()
	state, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.personaID == "" {
		return "", false
	}
	return state.personaID, true
}

// ResetPersona clears the channel's persona and history.
func (c *MemoryConversationStore) ResetPersona(channelID string) string {
	state := c.channel(channelID)
	state.mu.Lock()
	defer state.mu.Unlock()
	previous := state.personaID
	state.personaID = ""
	state.history = nil
	return previous
}

// ClearHistory discards the channel's history, keeping its persona.
func (c *MemoryConversationStore) ClearHistory(channelID string) int {
	c.mu.RLock()
	state, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	removed := len(state.history)
	state.history = nil
	return removed
}

// AppendMessage records one turn, evicting the oldest if at capacity.
func (c *MemoryConversationStore) AppendMessage(
	channelID string,
	role string,
	content string,
) {
	state := c.channel(channelID)
	state.mu.Lock()
	defer state.mu.Unlock()
	c.repair(channelID, state)
	c.appendLocked(state, role, content)
}

// AppendExchange records a user turn and its assistant reply atomically.
func (c *MemoryConversationStore) AppendExchange(
	channelID string,
	userContent string,
	assistantContent string,
) {
	state := c.channel(channelID)
	state.mu.Lock()
	defer state.mu.Unlock()
	c.repair(channelID, state)
	c.appendLocked(state, RoleUser, userContent)
	c.appendLocked(state, RoleAssistant, assistantContent)
}

// appendLocked enforces the history bound. Callers must hold state.mu.
func (c *MemoryConversationStore) appendLocked(
	state *channelState,
	role string,
	content string,
) {
	state.history = append(
		state.history,
		ConversationMessage{
			Role:      role,
			Content:   content,
			Timestamp: c.now(),
		},
	)
	if overflow := len(state.history) - c.maxHistory; overflow > 0 {
		state.history = append(
			[]ConversationMessage(nil),
			state.history[overflow:]...,
		)
	}
}

// History returns up to limit of the channel's most recent messages,
// oldest first. Entries are copies.
func (c *MemoryConversationStore) History(
	channelID string,
	limit int,
) []ConversationMessage {
	if limit <= 0 {
		return nil
	}
	c.mu.RLock()
	state, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	c.repair(channelID, state)
	if len(state.history) == 0 {
		return nil
	}
	start := len(state.history) - limit
	if start < 0 {
		start = 0
	}
	recent := make([]ConversationMessage, len(state.history)-start)
	copy(recent, state.history[start:])
	return recent
}

// Stats reports counters across all channels.
func (c *MemoryConversationStore) Stats() ConversationStats {
	c.mu.RLock()
	states := make(map[string]*channelState, len(c.channels))
	for id, state := range c.channels {
		states[id] = state
	}
	c.mu.RUnlock()

	stats := ConversationStats{ChannelCount: len(states)}
	for _, state := range states {
		state.mu.Lock()
		if state.personaID != "" {
			stats.ChannelsWithPersona++
		}
		if len(state.history) > 0 {
			stats.ChannelsWithHistory++
		}
		stats.TotalMessageCount += len(state.history)
		state.mu.Unlock()
	}
	return stats
}
