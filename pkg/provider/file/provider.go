// Package file implements the provider interfaces on a local directory tree.
//
// It backs single-node runs and tests: chunk manifests, staged chunk files and
// the per-region output directories all live below BaseDir.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/genimpute/pkg/provider"
)

// Provider implements provider.Provider for local filesystem paths.
// Keys are slash separated paths relative to BaseDir.
type Provider struct {
	baseDir string
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.ObjectGetter    = (*Provider)(nil)
	_ provider.ObjectPutter    = (*Provider)(nil)
	_ provider.ObjectDeleter   = (*Provider)(nil)
	_ provider.DelimiterLister = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the directory keys are resolved against.
func (p *Provider) BaseDir() string { return p.baseDir }

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := p.collectKeys(opts.Prefix)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	page, next := paginate(keys, opts.ContinuationToken, opts.MaxKeys)
	res := &provider.ListResult{Objects: p.summaries(page)}
	if next != "" {
		res.IsTruncated = true
		res.ContinuationToken = next
	}
	return res, nil
}

// ListWithDelimiter lists one directory level. Only "/" is supported as a
// delimiter since keys map onto filesystem paths.
func (p *Provider) ListWithDelimiter(ctx context.Context, opts provider.ListWithDelimiterOptions) (*provider.ListWithDelimiterResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Delimiter != "" && opts.Delimiter != "/" {
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, fmt.Errorf("unsupported delimiter %q", opts.Delimiter))
	}

	// A prefix that does not end in "/" still names a directory here.
	dirKey := strings.TrimSuffix(strings.TrimPrefix(opts.Prefix, "/"), "/")
	dir, err := p.fullPath(dirKey)
	if err != nil {
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &provider.ListWithDelimiterResult{}, nil
		}
		return nil, p.wrapError("ListWithDelimiter", opts.Prefix, err)
	}

	var names []string
	isDir := make(map[string]bool, len(entries))
	for _, e := range entries {
		key := e.Name()
		if dirKey != "" {
			key = dirKey + "/" + e.Name()
		}
		if e.IsDir() {
			key += "/"
			isDir[key] = true
		}
		names = append(names, key)
	}
	sort.Strings(names)

	page, next := paginate(names, opts.ContinuationToken, opts.MaxKeys)
	res := &provider.ListWithDelimiterResult{}
	var files []string
	for _, k := range page {
		if isDir[k] {
			res.CommonPrefixes = append(res.CommonPrefixes, k)
			continue
		}
		files = append(files, k)
	}
	res.Objects = p.summaries(files)
	if next != "" {
		res.IsTruncated = true
		res.ContinuationToken = next
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()},
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return f, st.Size(), nil
}

// PutObject writes through a temp file in the target directory and renames
// it into place, so readers never observe a partial object.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_ = ctx
	_ = contentLength
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".genimpute-put-*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("DeleteObject", key, err)
	}
	p.pruneEmptyDirs(filepath.Dir(full))
	return nil
}

// pruneEmptyDirs removes now-empty parents up to (not including) baseDir so a
// recursive prefix delete leaves no directory skeleton behind.
func (p *Provider) pruneEmptyDirs(dir string) {
	for dir != p.baseDir && strings.HasPrefix(dir, p.baseDir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (p *Provider) summaries(keys []string) []provider.ObjectSummary {
	objects := make([]provider.ObjectSummary, 0, len(keys))
	for _, k := range keys {
		full, err := p.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}
	return objects
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

// collectKeys walks the directory named by prefix. A prefix naming a single
// file yields that file.
func (p *Provider) collectKeys(prefix string) ([]string, error) {
	root, err := p.fullPath(prefix)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".genimpute-put-") {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(keys)
	return keys, nil
}

// paginate returns the page after token and the token for the next page.
func paginate(keys []string, token string, maxKeys int) ([]string, string) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	start := 0
	if token != "" {
		start = sort.SearchStrings(keys, token)
		for start < len(keys) && keys[start] <= token {
			start++
		}
	}
	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}
	if end < len(keys) {
		return keys[start:end], keys[end-1]
	}
	return keys[start:end], ""
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
