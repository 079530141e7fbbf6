package linkpersona

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

// reservedPersonaID can't be used as a persona ID. `/persona reset`
// restores the default voice instead of selecting a persona.
const reservedPersonaID = "reset"

// PersonaExample is a sample exchange illustrating a persona's voice.
// Examples are shown to humans (API, docs); they are never sent to the
// LLM.
type PersonaExample struct {
	Input  string `yaml:"input" json:"input"`
	Output string `yaml:"output" json:"output"`
}

// Persona is a named instruction profile applied to LLM generation.
// Personas are defined in YAML files; the file's base name (without
// extension) becomes the persona ID.
type Persona struct {
	ID           string           `yaml:"-" json:"id"`
	Name         string           `yaml:"name" json:"name" binding:"required"`
	Icon         string           `yaml:"icon" json:"icon"`
	Color        int              `yaml:"color" json:"color"`
	Description  string           `yaml:"description" json:"description"`
	SystemPrompt string           `yaml:"system_prompt" json:"-" binding:"required"`
	Examples     []PersonaExample `yaml:"examples" json:"examples,omitempty"`
}

// DisplayName returns the persona's icon and name for user-facing text.
func (p Persona) DisplayName() string {
	if p.Icon == "" {
		return p.Name
	}
	return fmt.Sprintf("%s %s", p.Icon, p.Name)
}

// SystemMessage returns the instruction text sent to the LLM.
func (p Persona) SystemMessage() string {
	return p.SystemPrompt
}

// PersonaRegistry provides persona lookups for the dispatcher, the
// Discord frontend and the HTTP API.
type PersonaRegistry interface {
	// Get returns the persona with the given ID.
	Get(id string) (Persona, bool)

	// All returns every persona, sorted by ID.
	All() []Persona

	// IDs returns every persona ID, sorted.
	IDs() []string
}

// FilePersonaRegistry loads personas from a directory of YAML files and
// can watch the directory for changes.
type FilePersonaRegistry struct {
	dir      string
	mu       sync.RWMutex
	personas map[string]Persona
	logger   *slog.Logger
}

// NewFilePersonaRegistry loads every *.yaml / *.yml file under dir. It
// returns ErrEmptyRegistry when the directory yields no usable personas,
// since a bot with no voices can't serve persona commands.
func NewFilePersonaRegistry(
	dir string,
	logger *slog.Logger,
) (*FilePersonaRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FilePersonaRegistry{
		dir:      dir,
		personas: map[string]Persona{},
		logger:   logger.With(loggerNameKey, "personas"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-scans the persona directory, replacing the registry's
// contents. Files that fail to parse or validate are skipped with a
// logged warning rather than failing the whole reload.
func (r *FilePersonaRegistry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading persona directory: %w", err)
	}

	personas := map[string]Persona{}
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		persona, loadErr := loadPersonaFile(path)
		if loadErr != nil {
			r.logger.Warn(
				"skipping persona file",
				"path", path,
				tint.Err(loadErr),
			)
			continue
		}
		if persona.ID == reservedPersonaID {
			r.logger.Warn(
				"skipping persona with reserved ID",
				"path", path,
				"id", persona.ID,
			)
			continue
		}
		personas[persona.ID] = persona
	}

	if len(personas) == 0 {
		return fmt.Errorf("%w (dir: %s)", ErrEmptyRegistry, r.dir)
	}

	r.mu.Lock()
	r.personas = personas
	r.mu.Unlock()

	r.logger.Info(
		"personas loaded",
		"count", len(personas),
		"ids", sortedKeys(personas),
	)
	return nil
}

// Watch reloads the registry whenever a YAML file under the persona
// directory changes. It blocks until ctx is canceled. A failed reload
// keeps the previous registry contents.
func (r *FilePersonaRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating persona watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err = watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watching persona directory: %w", err)
	}
	r.logger.Info("watching persona directory", "dir", r.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAMLFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.Info(
				"persona directory changed",
				"file", event.Name,
				"op", event.Op.String(),
			)
			if reloadErr := r.Reload(); reloadErr != nil {
				r.logger.Error(
					"persona reload failed, keeping previous set",
					tint.Err(reloadErr),
				)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("persona watcher error", tint.Err(watchErr))
		}
	}
}

// Get returns the persona with the given ID.
func (r *FilePersonaRegistry) Get(id string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	persona, ok := r.personas[id]
	return persona, ok
}

// All returns every persona, sorted by ID.
func (r *FilePersonaRegistry) All() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Persona, 0, len(r.personas))
	for _, persona := range r.personas {
		all = append(all, persona)
	}
	sort.Slice(
		all,
		func(i, j int) bool {
			return all[i].ID < all[j].ID
		},
	)
	return all
}

// IDs returns every persona ID, sorted.
func (r *FilePersonaRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.personas)
}

func loadPersonaFile(path string) (Persona, error) {
	var persona Persona

	data, err := os.ReadFile(path)
	if err != nil {
		return persona, err
	}
	if err = yaml.Unmarshal(data, &persona); err != nil {
		return persona, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	persona.ID = strings.TrimSuffix(
		filepath.Base(path),
		filepath.Ext(path),
	)
	if err = structValidator.Struct(persona); err != nil {
		return persona, fmt.Errorf("validating %s: %w", filepath.Base(path), err)
	}
	return persona, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func sortedKeys(m map[string]Persona) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
