package linkpersona

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// testLogger returns a logger tagged with the test name, writing to
// stdout so output shows up under `go test -v`.
func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	handler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     slog.LevelDebug,
			AddSource: true,
		},
	).WithAttrs([]slog.Attr{slog.String("test", t.Name())})
	return slog.New(handler)
}

// gormDB creates a temporary SQLite database with migrations applied.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

// testPersonas returns the fixture personas used across dispatcher,
// API and Discord tests.
func testPersonas() []Persona {
	return []Persona{
		{
			ID:          "anchor",
			Name:        "Newsroom Anchor",
			Icon:        "🎙️",
			Color:       0x3B88C3,
			Description: "Measured, factual delivery",
			SystemPrompt: "You are a seasoned newsroom anchor. Deliver " +
				"facts in a measured broadcast cadence.",
		},
		{
			ID:          "pirate",
			Name:        "Pirate Captain",
			Icon:        "🏴‍☠️",
			Color:       0x2C2F33,
			Description: "Salty nautical bluster",
			SystemPrompt: "You are a pirate captain. Answer everything " +
				"with salty nautical bluster.",
		},
	}
}

// stubRegistry is a fixed in-memory PersonaRegistry.
type stubRegistry struct {
	personas map[string]Persona
}

func newStubRegistry(personas ...Persona) *stubRegistry {
	s := &stubRegistry{personas: map[string]Persona{}}
	for _, p := range personas {
		s.personas[p.ID] = p
	}
	return s
}

func (s *stubRegistry) Get(id string) (Persona, bool) {
	p, ok := s.personas[id]
	return p, ok
}

func (s *stubRegistry) All() []Persona {
	all := make([]Persona, 0, len(s.personas))
	for _, id := range s.IDs() {
		all = append(all, s.personas[id])
	}
	return all
}

func (s *stubRegistry) IDs() []string {
	return sortedKeys(s.personas)
}

// stubFetcher returns a canned Article (or error) and records calls.
type stubFetcher struct {
	mu      sync.Mutex
	article Article
	err     error
	calls   int
	lastURL string
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastURL = rawURL
	if s.err != nil {
		return Article{}, s.err
	}
	article := s.article
	if article.URL == "" {
		article.URL = rawURL
	}
	return article, nil
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubLLM echoes the user message back ("re:<message>") unless a fixed
// response, error, or response func is set. Requests are recorded in
// order.
type stubLLM struct {
	mu       sync.Mutex
	response string
	err      error
	fn       func(req CompletionRequest) (string, error)
	requests []CompletionRequest
}

func (s *stubLLM) Complete(
	_ context.Context,
	req CompletionRequest,
) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.fn
	err := s.err
	response := s.response
	s.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return "", err
	}
	if response != "" {
		return response, nil
	}
	return "re:" + req.UserMessage, nil
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubLLM) request(i int) CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *stubLLM) lastRequest() CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// testDispatcher bundles a Dispatcher with its stub collaborators and
// a real in-memory store.
type testDispatcher struct {
	dispatcher *Dispatcher
	store      *MemoryConversationStore
	registry   *stubRegistry
	fetcher    *stubFetcher
	llm        *stubLLM
	limiter    *CommandLimiter
}

func newTestDispatcher(t testing.TB) *testDispatcher {
	t.Helper()

	store := NewMemoryConversationStore(DefaultMaxHistory, testLogger(t))
	registry := newStubRegistry(testPersonas()...)
	fetcher := &stubFetcher{
		article: Article{
			Title: "Test Article",
			Text:  "Something happened somewhere, and it matters.",
		},
	}
	llm := &stubLLM{}
	limiter := NewCommandLimiter(time.Minute)

	dispatcher := NewDispatcher(
		&ConversationConfig{
			MaxHistory:      DefaultMaxHistory,
			ContextLimit:    DefaultContextLimit,
			CommandCooldown: time.Minute,
		},
		SummaryConfig{
			MinChars: DefaultSummaryMinChars,
			MaxChars: DefaultSummaryMaxChars,
		},
		store,
		registry,
		fetcher,
		llm,
		limiter,
		testLogger(t),
	)

	return &testDispatcher{
		dispatcher: dispatcher,
		store:      store,
		registry:   registry,
		fetcher:    fetcher,
		llm:        llm,
		limiter:    limiter,
	}
}
