package linkpersona

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPersonaNotFound is returned when a persona ID isn't present
	// in the registry.
	ErrPersonaNotFound = errors.New("persona not found")

	// ErrEmptyRegistry is returned at startup when the persona directory
	// contains no loadable persona files.
	ErrEmptyRegistry = errors.New("no personas loaded")
)

// ValidationError indicates caller input that was rejected before any
// external call was made (malformed URL, empty message, bad persona ID).
type ValidationError string

func (e ValidationError) Error() string {
	return string(e)
}

// FetchFailure classifies why an article fetch failed.
type FetchFailure string

const (
	FetchNotFound           FetchFailure = "not_found"
	FetchForbidden          FetchFailure = "forbidden"
	FetchTimeout            FetchFailure = "timeout"
	FetchUnsupportedContent FetchFailure = "unsupported_content"
	FetchUnreachable        FetchFailure = "unreachable"
)

// FetchError is returned when retrieving or extracting an article fails.
// Status is the HTTP status code, if a response was received.
type FetchError struct {
	URL    string
	Reason FetchFailure
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf(
			"fetch %s: %s (status %d)",
			e.URL,
			e.Reason,
			e.Status,
		)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// LLMFailure classifies why a completion request failed.
type LLMFailure string

const (
	LLMAuthError LLMFailure = "auth_error"
	LLMRateLimit LLMFailure = "rate_limited"
	LLMTimeout   LLMFailure = "timeout"
	LLMProvider  LLMFailure = "provider_error"
)

// LLMError is returned when a chat completion request fails. The message
// never includes credentials or raw provider payloads.
type LLMError struct {
	Reason LLMFailure
	Err    error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm request failed: %s", e.Reason)
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// RateLimitError indicates a command was refused because the invoking
// user is still inside their cooldown window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf(
		"rate limited (retry in %s)",
		e.RetryAfter.Round(time.Second),
	)
}

// InternalStateError reports a conversation store inconsistency. Callers
// log it and continue as though the channel had no prior state.
type InternalStateError struct {
	ChannelID string
	Op        string
	Err       error
}

func (e *InternalStateError) Error() string {
	return fmt.Sprintf(
		"conversation state error (channel %s, op %s): %v",
		e.ChannelID,
		e.Op,
		e.Err,
	)
}

func (e *InternalStateError) Unwrap() error {
	return e.Err
}
