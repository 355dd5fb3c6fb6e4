// Package skills loads reusable instruction snippets from Markdown files with
// YAML front matter and matches them against user messages by trigger words.
//
// A skill file looks like:
//
//	---
//	name: code-review
//	description: Review code for defects
//	triggers: [review, 审查]
//	---
//	Read the diff carefully and ...
package skills

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/workspace"
)

const defaultMaxMatches = 2

// Skill is one loaded instruction snippet.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Triggers     []string `yaml:"triggers"`
	Priority     int      `yaml:"priority"`
	Instructions string   `yaml:"-"`
	Path         string   `yaml:"-"`
}

// Config configures a Catalog.
type Config struct {
	Dir string
	// Pattern selects skill files below Dir.
	Pattern    string
	MaxMatches int
	Watch      bool
	Logger     zerolog.Logger
}

// Catalog holds the loaded skills and serves matches. Reloads swap the whole
// set atomically.
type Catalog struct {
	mu      sync.RWMutex
	skills  []Skill
	cfg     Config
	watcher *workspace.Watcher
	logger  zerolog.Logger
}

// New loads every skill below cfg.Dir and optionally starts hot reload.
func New(cfg Config) (*Catalog, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("skills directory is required")
	}
	cfg.Dir = workspace.ExpandHome(cfg.Dir)
	if cfg.Pattern == "" {
		cfg.Pattern = "**/*.md"
	}
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = defaultMaxMatches
	}
	c := &Catalog{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "skills").Logger(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	if cfg.Watch {
		w, err := workspace.NewWatcher(workspace.WatcherConfig{
			Dir:    cfg.Dir,
			Logger: cfg.Logger,
			OnChange: func(path string) {
				if err := c.Reload(); err != nil {
					c.logger.Error().Err(err).Str("path", path).Msg("Failed to reload skills")
				}
			},
		})
		if err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			w.Stop()
			return nil, err
		}
		c.watcher = w
	}
	return c, nil
}

// Reload re-reads the skill directory. Files that fail to parse are skipped.
func (c *Catalog) Reload() error {
	fsys := os.DirFS(c.cfg.Dir)
	paths, err := doublestar.Glob(fsys, c.cfg.Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("failed to list skills: %w", err)
	}
	sort.Strings(paths)

	loaded := make([]Skill, 0, len(paths))
	names := make(map[string]bool)
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", p).Msg("Failed to read skill")
			continue
		}
		s, err := Parse(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", p).Msg("Skipping invalid skill")
			continue
		}
		if s.Name == "" {
			s.Name = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		}
		if names[s.Name] {
			c.logger.Warn().Str("name", s.Name).Str("path", p).Msg("Duplicate skill name, keeping the first")
			continue
		}
		names[s.Name] = true
		s.Path = p
		loaded = append(loaded, s)
	}

	c.mu.Lock()
	c.skills = loaded
	c.mu.Unlock()
	c.logger.Info().Int("count", len(loaded)).Msg("Skills loaded")
	return nil
}

// Parse reads one skill document.
func Parse(data []byte) (Skill, error) {
	var s Skill
	body := data
	if rest, ok := bytes.CutPrefix(bytes.TrimLeft(data, "\uFEFF \t\r\n"), []byte("---")); ok {
		front, after, found := bytes.Cut(rest, []byte("\n---"))
		if !found {
			return Skill{}, fmt.Errorf("unterminated front matter")
		}
		if err := yaml.Unmarshal(front, &s); err != nil {
			return Skill{}, fmt.Errorf("invalid front matter: %w", err)
		}
		body = after
	}
	s.Instructions = strings.TrimSpace(string(body))
	if s.Instructions == "" {
		return Skill{}, fmt.Errorf("skill has no instructions")
	}
	return s, nil
}

// All returns the loaded skills.
func (c *Catalog) All() []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Skill(nil), c.skills...)
}

// Match returns the skills whose triggers occur in message, most trigger hits
// first, then by priority, then by name.
func (c *Catalog) Match(ctx context.Context, message string) ([]Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(message)

	type hit struct {
		skill Skill
		count int
	}
	var hits []hit
	c.mu.RLock()
	for _, s := range c.skills {
		n := 0
		for _, t := range s.Triggers {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" && strings.Contains(lower, t) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{skill: s, count: n})
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		if hits[i].skill.Priority != hits[j].skill.Priority {
			return hits[i].skill.Priority > hits[j].skill.Priority
		}
		return hits[i].skill.Name < hits[j].skill.Name
	})
	if len(hits) > c.cfg.MaxMatches {
		hits = hits[:c.cfg.MaxMatches]
	}
	out := make([]Skill, len(hits))
	for i, h := range hits {
		out[i] = h.skill
	}
	return out, nil
}

// Close stops hot reload.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Stop()
	}
	return nil
}
