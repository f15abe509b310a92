package driftkit

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// PromptState is the lifecycle state of a prompt version.
type PromptState string

const (
	// PromptCurrent marks the single active version for a (method, language).
	PromptCurrent PromptState = "CURRENT"
	// PromptReplaced marks a superseded version kept for history.
	PromptReplaced PromptState = "REPLACED"
)

// Prompt is a versioned, language-qualified templated string keyed by the
// logical step (method) it belongs to. Template variables use {{var}} syntax;
// dictionary group references use @{groupId}.
type Prompt struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"`
	Language  string      `json:"language"`
	Message   string      `json:"message"`
	State     PromptState `json:"state"`
	CreatedAt int64       `json:"createdTime"`
	UpdatedAt int64       `json:"updatedTime"`
}

// PromptStore persists prompt versions. Implementations must keep the
// invariant that exactly one prompt per (method, language) has state CURRENT;
// Save flips the previous current to REPLACED atomically.
type PromptStore interface {
	// Current returns the CURRENT prompt for (method, language), if any.
	Current(ctx context.Context, method, language string) (Prompt, bool, error)
	// Save stores a new version. If the existing current prompt has identical
	// message text, the stored record inherits its id and Save is a no-op
	// otherwise. Returns the stored record.
	Save(ctx context.Context, p Prompt) (Prompt, error)
	// History returns all versions for (method, language), newest first.
	History(ctx context.Context, method, language string) ([]Prompt, error)
}

// --- In-memory store ---

// InMemoryPromptStore is a PromptStore for single-instance deployments and
// tests. Safe for concurrent use.
type InMemoryPromptStore struct {
	mu     sync.Mutex
	byPair map[string][]Prompt // key: method + "\x00" + language, index 0 = newest
}

var _ PromptStore = (*InMemoryPromptStore)(nil)

// NewInMemoryPromptStore creates an empty store.
func NewInMemoryPromptStore() *InMemoryPromptStore {
	return &InMemoryPromptStore{byPair: make(map[string][]Prompt)}
}

func promptKey(method, language string) string { return method + "\x00" + language }

// Current implements PromptStore.
func (s *InMemoryPromptStore) Current(_ context.Context, method, language string) (Prompt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byPair[promptKey(method, language)] {
		if p.State == PromptCurrent {
			return p, true, nil
		}
	}
	return Prompt{}, false, nil
}

// Save implements PromptStore. The version flip is atomic under the store lock.
func (s *InMemoryPromptStore) Save(_ context.Context, p Prompt) (Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := promptKey(p.Method, p.Language)
	versions := s.byPair[key]
	now := NowUnixMilli()

	for i, existing := range versions {
		if existing.State != PromptCurrent {
			continue
		}
		if existing.Message == p.Message {
			// Identical text: idempotent save, id and state unchanged.
			versions[i].UpdatedAt = now
			return versions[i], nil
		}
		versions[i].State = PromptReplaced
		versions[i].UpdatedAt = now
	}

	if p.ID == "" {
		p.ID = NewID()
	}
	p.State = PromptCurrent
	p.CreatedAt = now
	p.UpdatedAt = now
	s.byPair[key] = append([]Prompt{p}, versions...)
	return p, nil
}

// History implements PromptStore.
func (s *InMemoryPromptStore) History(_ context.Context, method, language string) ([]Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byPair[promptKey(method, language)]
	out := make([]Prompt, len(versions))
	copy(out, versions)
	return out, nil
}

// --- Registry ---

// PromptOption configures a PromptRegistry.
type PromptOption func(*PromptRegistry)

// WithPromptFallback sets a filesystem of default prompts. When no stored
// prompt exists for (method, language), the registry reads
// "{method}_{language}.txt" from fsys and saves it as the current version.
func WithPromptFallback(fsys fs.FS) PromptOption {
	return func(r *PromptRegistry) { r.fallback = fsys }
}

// WithPromptDictionary sets the dictionary used to expand @{groupId} tokens.
func WithPromptDictionary(d *Dictionary) PromptOption {
	return func(r *PromptRegistry) { r.dict = d }
}

// WithPromptLogger sets the structured logger. Missing template variables are
// logged at WARN. If not set, a no-op logger is used.
func WithPromptLogger(l *slog.Logger) PromptOption {
	return func(r *PromptRegistry) { r.logger = l }
}

// PromptRegistry resolves and renders versioned prompts over a PromptStore.
type PromptRegistry struct {
	store    PromptStore
	fallback fs.FS
	dict     *Dictionary
	logger   *slog.Logger
}

// NewPromptRegistry creates a registry over the given store.
func NewPromptRegistry(store PromptStore, opts ...PromptOption) *PromptRegistry {
	r := &PromptRegistry{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the active prompt for (method, language). When none is
// stored and a fallback filesystem is configured, the fallback file is loaded
// and saved as the current version.
func (r *PromptRegistry) Current(ctx context.Context, method, language string) (Prompt, bool, error) {
	p, ok, err := r.store.Current(ctx, method, language)
	if err != nil || ok {
		return p, ok, err
	}
	if r.fallback == nil {
		return Prompt{}, false, nil
	}
	data, readErr := fs.ReadFile(r.fallback, fmt.Sprintf("%s_%s.txt", method, language))
	if readErr != nil {
		return Prompt{}, false, nil
	}
	saved, err := r.store.Save(ctx, Prompt{Method: method, Language: language, Message: string(data)})
	if err != nil {
		return Prompt{}, false, err
	}
	r.logger.Info("prompt loaded from fallback", "method", method, "language", language)
	return saved, true, nil
}

// Save stores a new prompt version through the underlying store.
func (r *PromptRegistry) Save(ctx context.Context, p Prompt) (Prompt, error) {
	return r.store.Save(ctx, p)
}

// varPattern matches {{var}} template placeholders. Variable names are
// case-sensitive.
var varPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_.]+)\}\}`)

// groupPattern matches @{groupId} dictionary references.
var groupPattern = regexp.MustCompile(`@\{([a-zA-Z0-9_.-]+)\}`)

// Render substitutes {{var}} placeholders with values from vars and expands
// @{groupId} references from the dictionary. Missing variables render as
// empty strings and are logged; missing groups render as empty.
func (r *PromptRegistry) Render(p Prompt, vars map[string]string) string {
	msg := varPattern.ReplaceAllStringFunc(p.Message, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		r.logger.Warn("prompt variable missing", "method", p.Method, "variable", name)
		return ""
	})
	if r.dict == nil {
		return msg
	}
	return groupPattern.ReplaceAllStringFunc(msg, func(m string) string {
		return r.dict.RenderGroup(m[2 : len(m)-2])
	})
}

// RenderFor resolves the current prompt for (method, language) and renders it.
// Returns a KindPromptMissing error when no prompt and no fallback exist.
func (r *PromptRegistry) RenderFor(ctx context.Context, method, language string, vars map[string]string) (string, Prompt, error) {
	p, ok, err := r.Current(ctx, method, language)
	if err != nil {
		return "", Prompt{}, err
	}
	if !ok {
		return "", Prompt{}, NewError(KindPromptMissing, "no prompt for method %q language %q", method, language)
	}
	return r.Render(p, vars), p, nil
}

// TemplateVariables returns the distinct {{var}} names referenced by message,
// in order of first appearance.
func TemplateVariables(message string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range varPattern.FindAllStringSubmatch(message, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// joinNonEmpty joins parts with sep, skipping empties.
func joinNonEmpty(sep string, parts ...string) string {
	var keep []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			keep = append(keep, p)
		}
	}
	return strings.Join(keep, sep)
}
