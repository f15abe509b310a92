// Package ingest loads documents from files and URLs, extracts their text,
// splits it into chunks, and stores embedded chunks in a vector store.
package ingest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

// LoadedDocument wraps raw content plus its origin metadata, before
// extraction and splitting.
type LoadedDocument struct {
	Source      string
	Title       string
	Content     []byte
	ContentType ContentType
	Metadata    map[string]string
}

// DocumentLoader produces documents from some source.
type DocumentLoader interface {
	Load(ctx context.Context) ([]LoadedDocument, error)
}

// --- Filesystem loader ---

// FSLoader walks a file tree recursively and loads matching files.
type FSLoader struct {
	fsys        fs.FS
	root        string
	extensions  map[string]bool
	include     []string
	exclude     []string
	maxFileSize int64
}

var _ DocumentLoader = (*FSLoader)(nil)

// FSLoaderOption configures an FSLoader.
type FSLoaderOption func(*FSLoader)

// WithExtensions restricts loading to the given extensions (without dot).
// Default: txt, md, html, pdf, csv, json.
func WithExtensions(exts ...string) FSLoaderOption {
	return func(l *FSLoader) {
		l.extensions = make(map[string]bool, len(exts))
		for _, e := range exts {
			l.extensions[strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
	}
}

// WithIncludePatterns keeps only paths matching at least one glob pattern.
func WithIncludePatterns(patterns ...string) FSLoaderOption {
	return func(l *FSLoader) { l.include = patterns }
}

// WithExcludePatterns drops paths matching any glob pattern.
func WithExcludePatterns(patterns ...string) FSLoaderOption {
	return func(l *FSLoader) { l.exclude = patterns }
}

// WithMaxFileSize skips files larger than n bytes. Default 10 MiB.
func WithMaxFileSize(n int64) FSLoaderOption {
	return func(l *FSLoader) { l.maxFileSize = n }
}

// NewFSLoader creates a loader rooted at root within fsys. Pass os.DirFS for
// the local filesystem.
func NewFSLoader(fsys fs.FS, root string, opts ...FSLoaderOption) *FSLoader {
	l := &FSLoader{
		fsys: fsys,
		root: root,
		extensions: map[string]bool{
			"txt": true, "md": true, "html": true,
			"pdf": true, "csv": true, "json": true,
		},
		maxFileSize: 10 << 20,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load implements DocumentLoader.
func (l *FSLoader) Load(ctx context.Context) ([]LoadedDocument, error) {
	var docs []LoadedDocument
	err := fs.WalkDir(l.fsys, l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !l.matches(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if l.maxFileSize > 0 && info.Size() > l.maxFileSize {
			return nil
		}
		content, err := fs.ReadFile(l.fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		docs = append(docs, LoadedDocument{
			Source:      path,
			Title:       filepath.Base(path),
			Content:     content,
			ContentType: ContentTypeFromExtension(ext),
			Metadata:    map[string]string{"source": path},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (l *FSLoader) matches(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if len(l.extensions) > 0 && !l.extensions[ext] {
		return false
	}
	base := filepath.Base(path)
	for _, pattern := range l.exclude {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return false
		}
	}
	if len(l.include) == 0 {
		return true
	}
	for _, pattern := range l.include {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// --- URL loader ---

// URLLoader fetches pages over HTTP and extracts their readable content.
type URLLoader struct {
	urls    []string
	headers map[string]string
	client  *http.Client
}

var _ DocumentLoader = (*URLLoader)(nil)

// URLLoaderOption configures a URLLoader.
type URLLoaderOption func(*URLLoader)

// WithHeaders sets request headers applied to every fetch.
func WithHeaders(headers map[string]string) URLLoaderOption {
	return func(l *URLLoader) { l.headers = headers }
}

// WithTimeout sets the per-request timeout. Default 15s.
func WithTimeout(d time.Duration) URLLoaderOption {
	return func(l *URLLoader) { l.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) URLLoaderOption {
	return func(l *URLLoader) { l.client = c }
}

// NewURLLoader creates a loader for the given URLs.
func NewURLLoader(urls []string, opts ...URLLoaderOption) *URLLoader {
	l := &URLLoader{
		urls:   urls,
		client: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load implements DocumentLoader. Pages run through readability extraction;
// a page that cannot be parsed falls back to its raw body.
func (l *URLLoader) Load(ctx context.Context) ([]LoadedDocument, error) {
	docs := make([]LoadedDocument, 0, len(l.urls))
	for _, rawURL := range l.urls {
		doc, err := l.fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (l *URLLoader) fetch(ctx context.Context, rawURL string) (LoadedDocument, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return LoadedDocument{}, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return LoadedDocument{}, err
	}
	for k, v := range l.headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return LoadedDocument{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LoadedDocument{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return LoadedDocument{}, fmt.Errorf("read %s: %w", rawURL, err)
	}

	doc := LoadedDocument{
		Source:      rawURL,
		Title:       rawURL,
		Content:     body,
		ContentType: TypePlainText,
		Metadata:    map[string]string{"source": rawURL},
	}
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		doc.Content = []byte(article.TextContent)
		if article.Title != "" {
			doc.Title = article.Title
		}
	}
	return doc, nil
}

// --- Composite loader ---

// CompositeLoader unions several loaders, preserving per-source metadata.
type CompositeLoader struct {
	loaders []DocumentLoader
}

var _ DocumentLoader = (*CompositeLoader)(nil)

// NewCompositeLoader combines loaders; Load concatenates their results in
// loader order.
func NewCompositeLoader(loaders ...DocumentLoader) *CompositeLoader {
	return &CompositeLoader{loaders: loaders}
}

// Load implements DocumentLoader.
func (l *CompositeLoader) Load(ctx context.Context) ([]LoadedDocument, error) {
	var docs []LoadedDocument
	for _, loader := range l.loaders {
		batch, err := loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		docs = append(docs, batch...)
	}
	return docs, nil
}
