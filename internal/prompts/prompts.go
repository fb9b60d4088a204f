// Package prompts provides the prompt templates used by the reference stages.
//
// Embedded .tmpl files are the defaults. A resolver may be given an override
// directory; a file named <key>.tmpl there replaces the embedded default for
// that key. Resolved prompts carry a content hash so a run can record exactly
// which prompt text it used.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Prompt keys.
const (
	OutlineSystem = "outline.system"
	OutlineUser   = "outline.user"
	ChapterSystem = "chapter.system"
	ChapterDraft  = "chapter.draft"
	ChapterRepair = "chapter.repair"
	ChapterReview = "chapter.review"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Prompt is a resolved prompt template.
type Prompt struct {
	Key        string   `json:"key" yaml:"key"`
	Text       string   `json:"-" yaml:"-"`
	Variables  []string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Hash       string   `json:"hash" yaml:"hash"`
	IsOverride bool     `json:"is_override" yaml:"is_override"`

	tmpl *template.Template
}

// Resolver resolves prompts by key. Parsed templates are cached.
type Resolver struct {
	overrideDir string
	logger      *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Prompt
}

// NewResolver creates a resolver. overrideDir may be empty.
func NewResolver(overrideDir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		overrideDir: overrideDir,
		logger:      logger,
		cache:       make(map[string]*Prompt),
	}
}

// Resolve returns the prompt for key: the override file if one exists,
// otherwise the embedded default.
func (r *Resolver) Resolve(key string) (*Prompt, error) {
	r.mu.RLock()
	p, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	text, isOverride, err := r.load(key)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(key).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt %s: %w", key, err)
	}
	p = &Prompt{
		Key:        key,
		Text:       text,
		Variables:  ExtractVariables(text),
		Hash:       HashText(text),
		IsOverride: isOverride,
		tmpl:       tmpl,
	}
	if isOverride {
		r.logger.Debug("using prompt override", "key", key, "hash", p.Hash)
	}

	r.mu.Lock()
	r.cache[key] = p
	r.mu.Unlock()
	return p, nil
}

// Render resolves key and executes it with data.
func (r *Resolver) Render(key string, data any) (string, error) {
	p, err := r.Resolve(key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", key, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// All resolves every embedded key, sorted by key.
func (r *Resolver) All() ([]*Prompt, error) {
	entries, err := fs.ReadDir(embedded, "templates")
	if err != nil {
		return nil, err
	}
	out := make([]*Prompt, 0, len(entries))
	for _, e := range entries {
		p, err := r.Resolve(strings.TrimSuffix(e.Name(), ".tmpl"))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *Resolver) load(key string) (string, bool, error) {
	name := key + ".tmpl"
	if r.overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(r.overrideDir, name))
		switch {
		case err == nil:
			return string(data), true, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", false, fmt.Errorf("failed to read prompt override %s: %w", key, err)
		}
	}
	data, err := embedded.ReadFile("templates/" + name)
	if err != nil {
		return "", false, fmt.Errorf("prompt not found: %s", key)
	}
	return string(data), false, nil
}
