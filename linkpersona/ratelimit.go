package linkpersona

import (
	"sync"
	"time"
)

// CommandLimiter enforces a per-user cooldown on explicit commands.
//
// It keeps the timestamp of each user's last accepted command and refuses
// new ones until the cooldown has elapsed. Passive triggers (URL
// summaries, persona chat) are not routed through the limiter.
//
// The check and the timestamp update happen under one lock, so when
// concurrent commands race for the same user, exactly one wins.
type CommandLimiter struct {
	mu sync.Mutex

	// Cooldown is the duration a user must wait between accepted
	// commands.
	Cooldown time.Duration

	lastAccepted map[string]time.Time

	// now is swapped out in tests
	now func() time.Time
}

// NewCommandLimiter creates a CommandLimiter with the given cooldown.
func NewCommandLimiter(cooldown time.Duration) *CommandLimiter {
	if cooldown <= 0 {
		cooldown = DefaultCommandCooldown
	}
	return &CommandLimiter{
		Cooldown:     cooldown,
		lastAccepted: map[string]time.Time{},
		now:          time.Now,
	}
}

// TryAcquire records a command invocation for userID if the user is
// outside their cooldown window. A user's first command is always
// accepted. If the user is still cooling down, it returns a
// *RateLimitError carrying the remaining wait.
func (w *CommandLimiter) TryAcquire(userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	last, ok := w.lastAccepted[userID]
	if ok {
		if elapsed := now.Sub(last); elapsed < w.Cooldown {
			return &RateLimitError{RetryAfter: w.Cooldown - elapsed}
		}
	}
	w.lastAccepted[userID] = now
	return nil
}

// Remaining returns how long userID must wait before their next command
// is accepted, or zero if they may proceed now.
func (w *CommandLimiter) Remaining(userID string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok := w.lastAccepted[userID]
	if !ok {
		return 0
	}
	remaining := w.Cooldown - w.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forgets userID's last accepted command.
func (w *CommandLimiter) Reset(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.lastAccepted, userID)
}
