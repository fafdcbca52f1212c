package crew

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// ErrNoCrewForAgent indicates an agent has no usable crew members at all.
var ErrNoCrewForAgent = errors.New("crew: no crew member found for agent")

// Registry loads and resolves crew members for agents. File-sourced crews
// are read from a per-agent directory under BaseDir; database-sourced crews
// are read through an optional *sql.DB. On a name collision within one
// agent, the file-sourced definition always wins.
//
// Registry is safe for concurrent use.
type Registry struct {
	baseDir string
	db      *sql.DB
	logger  *slog.Logger

	mu      sync.RWMutex
	byAgent map[string]map[string]*Member

	watcher *fsnotify.Watcher
	cronJob *cron.Cron
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithDB attaches a database-backed crew source.
func WithDB(db *sql.DB) Option {
	return func(r *Registry) { r.db = db }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a Registry rooted at baseDir, which contains one
// subdirectory per agent holding that agent's file-sourced crew
// definitions (*.yaml, *.yml, or *.json5).
func NewRegistry(baseDir string, opts ...Option) *Registry {
	r := &Registry{
		baseDir: baseDir,
		logger:  slog.Default(),
		byAgent: make(map[string]map[string]*Member),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadCrewForAgent returns the merged crew-member set for agent, loading and
// caching it on first access.
func (r *Registry) LoadCrewForAgent(ctx context.Context, agent string) (map[string]*Member, error) {
	r.mu.RLock()
	if m, ok := r.byAgent[agent]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()
	return r.ReloadCrew(ctx, agent)
}

// ReloadCrew discards any cached crew-member set for agent and loads it
// fresh: database-sourced members first, then file-sourced members
// overlaid on top (overwriting on name collision).
func (r *Registry) ReloadCrew(ctx context.Context, agent string) (map[string]*Member, error) {
	merged := make(map[string]*Member)

	if r.db != nil {
		dbCrews, err := r.loadDBCrews(ctx, agent)
		if err != nil {
			r.logger.Warn("crew: database load failed, continuing with file crews only",
				slog.String("agent", agent), slog.Any("error", err))
		} else {
			for name, m := range dbCrews {
				merged[name] = m
			}
		}
	}

	dir, ok := r.resolveAgentDir(agent)
	if ok {
		fileCrews, err := r.loadFileCrews(dir)
		if err != nil {
			r.logger.Warn("crew: file load failed for agent directory",
				slog.String("agent", agent), slog.String("dir", dir), slog.Any("error", err))
		} else {
			for name, m := range fileCrews {
				if _, existed := merged[name]; existed {
					r.logger.Info("crew: file definition overrides database definition",
						slog.String("agent", agent), slog.String("crew", name))
				}
				merged[name] = m
			}
		}
	}

	r.mu.Lock()
	r.byAgent[agent] = merged
	r.mu.Unlock()

	return merged, nil
}

// GetCrewMember returns the named crew member for agent, if loaded.
func (r *Registry) GetCrewMember(agent, name string) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	crews, ok := r.byAgent[agent]
	if !ok {
		return nil, false
	}
	m, ok := crews[name]
	return m, ok
}

// GetDefaultCrew returns the crew member flagged IsDefault for agent, or the
// first crew member encountered if none is flagged. Returns false if the
// agent has no crew at all.
func (r *Registry) GetDefaultCrew(agent string) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	crews, ok := r.byAgent[agent]
	if !ok || len(crews) == 0 {
		return nil, false
	}
	var fallback *Member
	for _, m := range crews {
		if fallback == nil {
			fallback = m
		}
		if m.IsDefault {
			return m, true
		}
	}
	return fallback, true
}

// ListCrew returns every crew member currently loaded for agent.
func (r *Registry) ListCrew(agent string) []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	crews := r.byAgent[agent]
	out := make([]*Member, 0, len(crews))
	for _, m := range crews {
		out = append(out, m)
	}
	return out
}

// HasCrew reports whether agent has at least one crew member loaded.
func (r *Registry) HasCrew(agent string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent[agent]) > 0
}

// agentDirCandidates enumerates, in priority order, the directory names
// under baseDir that might hold agent's crew files. The first one that
// exists on disk is used; a missing directory at every candidate is not an
// error, it simply means "no file-sourced crew for this agent."
func agentDirCandidates(agent string) []string {
	candidates := []string{agent}

	lower := strings.ToLower(agent)
	if lower != agent {
		candidates = append(candidates, lower)
	}

	dashed := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.':
			return '-'
		default:
			return r
		}
	}, lower)
	dashed = strings.Trim(dashed, "-")
	if dashed != "" && dashed != lower {
		candidates = append(candidates, dashed)
	}

	alphaOnly := regexp.MustCompile(`[^a-z0-9]`).ReplaceAllString(lower, "")
	if alphaOnly != "" && alphaOnly != lower && alphaOnly != dashed {
		candidates = append(candidates, alphaOnly)
	}

	firstToken := strings.FieldsFunc(agent, func(r rune) bool { return r == ' ' || r == '\t' })
	if len(firstToken) > 0 && firstToken[0] != agent {
		candidates = append(candidates, firstToken[0])
	}

	return candidates
}

func (r *Registry) resolveAgentDir(agent string) (string, bool) {
	if r.baseDir == "" {
		return "", false
	}
	for _, candidate := range agentDirCandidates(agent) {
		dir := filepath.Join(r.baseDir, candidate)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

func (r *Registry) loadFileCrews(dir string) (map[string]*Member, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("crew: read dir %s: %w", dir, err)
	}

	out := make(map[string]*Member)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json5" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := loadMemberFile(path, ext)
		if err != nil {
			r.logger.Warn("crew: skipping malformed crew file",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		if m.Name == "" {
			r.logger.Warn("crew: skipping crew file with empty name", slog.String("path", path))
			continue
		}
		m.Source = SourceFile
		if err := validateToolSchemas(m); err != nil {
			r.logger.Warn("crew: skipping crew file with invalid tool schema",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		out[m.Name] = m
	}
	return out, nil
}

func loadMemberFile(path, ext string) (*Member, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Member
	switch ext {
	case ".json5", ".json":
		if err := json5.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// validateToolSchemas compiles every declared tool's parameter schema with
// the JSON Schema draft-07 validator to catch malformed crew files at load
// time rather than at first tool-call time.
func validateToolSchemas(m *Member) error {
	for _, t := range m.Tools {
		if len(t.Parameters) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(t.Name+".json", strings.NewReader(string(t.Parameters))); err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
		if _, err := compiler.Compile(t.Name + ".json"); err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Registry) loadDBCrews(ctx context.Context, agent string) (map[string]*Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, display_name, description, is_default, guidance, persona,
		       model, max_tokens, fields_to_collect, extraction_mode,
		       transition_to, transition_system_prompt, one_shot,
		       knowledge_base_enabled, knowledge_base_sources
		FROM crew_members
		WHERE agent_name = $1
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("crew: query crew_members: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Member)
	for rows.Next() {
		var m Member
		var fieldsJSON, sourcesJSON []byte
		if err := rows.Scan(
			&m.Name, &m.DisplayName, &m.Description, &m.IsDefault, &m.Guidance, &m.Persona,
			&m.Model, &m.MaxTokens, &fieldsJSON, &m.ExtractionMode,
			&m.TransitionTo, &m.TransitionSystemPrompt, &m.OneShot,
			&m.KnowledgeBase.Enabled, &sourcesJSON,
		); err != nil {
			r.logger.Warn("crew: skipping malformed database row", slog.String("agent", agent), slog.Any("error", err))
			continue
		}
		if len(fieldsJSON) > 0 {
			if err := jsonUnmarshalFields(fieldsJSON, &m.FieldsToCollect); err != nil {
				r.logger.Warn("crew: ignoring malformed fields_to_collect", slog.String("crew", m.Name), slog.Any("error", err))
			}
		}
		if len(sourcesJSON) > 0 {
			if err := jsonUnmarshalStrings(sourcesJSON, &m.KnowledgeBase.Sources); err != nil {
				r.logger.Warn("crew: ignoring malformed knowledge_base_sources", slog.String("crew", m.Name), slog.Any("error", err))
			}
		}
		m.Source = SourceDatabase
		out[m.Name] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crew: iterate crew_members: %w", err)
	}
	return out, nil
}

// WatchFiles starts an fsnotify watch on every resolvable agent directory
// under BaseDir and triggers ReloadCrew for the affected agent whenever a
// crew file changes. The watch runs until ctx is cancelled.
func (r *Registry) WatchFiles(ctx context.Context, agents []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("crew: create watcher: %w", err)
	}
	r.watcher = watcher

	dirToAgent := make(map[string]string)
	for _, agent := range agents {
		dir, ok := r.resolveAgentDir(agent)
		if !ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			r.logger.Warn("crew: failed to watch directory", slog.String("dir", dir), slog.Any("error", err))
			continue
		}
		dirToAgent[dir] = agent
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				agent, known := dirToAgent[filepath.Dir(event.Name)]
				if !known {
					continue
				}
				if _, err := r.ReloadCrew(ctx, agent); err != nil {
					r.logger.Warn("crew: reload after file change failed", slog.String("agent", agent), slog.Any("error", err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("crew: watcher error", slog.Any("error", err))
			}
		}
	}()

	return nil
}

// StartPeriodicReload registers a cron job that reloads every agent's crew
// on the given schedule, as a belt-and-suspenders complement to WatchFiles
// (it also picks up database-sourced changes, which fsnotify cannot see).
func (r *Registry) StartPeriodicReload(ctx context.Context, schedule string, agents []string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		for _, agent := range agents {
			if _, err := r.ReloadCrew(ctx, agent); err != nil {
				r.logger.Warn("crew: periodic reload failed", slog.String("agent", agent), slog.Any("error", err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("crew: schedule periodic reload: %w", err)
	}
	r.cronJob = c
	c.Start()
	return nil
}

// Close stops any background watch or periodic-reload goroutines.
func (r *Registry) Close() error {
	if r.cronJob != nil {
		r.cronJob.Stop()
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
