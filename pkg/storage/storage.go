// Package storage is the narrow view of the storage substrate used by the
// imputation stages: list directories, put a local file, open for read,
// check existence and recursively delete a prefix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/3leaps/genimpute/pkg/provider"
)

// ErrUnsupported is returned when the backing provider lacks a capability
// an operation needs.
var ErrUnsupported = errors.New("operation not supported by storage provider")

// Store adapts a provider.Provider to the operations the pipeline needs.
type Store struct {
	p provider.Provider
}

// New wraps p. The Store does not take ownership; callers close p.
func New(p provider.Provider) *Store {
	return &Store{p: p}
}

// Provider returns the wrapped provider.
func (s *Store) Provider() provider.Provider { return s.p }

// ListDirectories returns the immediate child directories of prefix as full
// keys without a trailing slash, sorted.
func (s *Store) ListDirectories(ctx context.Context, prefix string) ([]string, error) {
	dl, ok := s.p.(provider.DelimiterLister)
	if !ok {
		return nil, fmt.Errorf("list directories %s: %w", prefix, ErrUnsupported)
	}
	prefix = dirPrefix(prefix)

	var dirs []string
	token := ""
	for {
		res, err := dl.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
			Prefix:            prefix,
			Delimiter:         "/",
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list directories %s: %w", prefix, err)
		}
		for _, cp := range res.CommonPrefixes {
			dirs = append(dirs, strings.TrimSuffix(cp, "/"))
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ListFiles returns the keys of all objects directly under dir, sorted.
func (s *Store) ListFiles(ctx context.Context, dir string) ([]string, error) {
	dl, ok := s.p.(provider.DelimiterLister)
	if !ok {
		return nil, fmt.Errorf("list files %s: %w", dir, ErrUnsupported)
	}
	prefix := dirPrefix(dir)

	var keys []string
	token := ""
	for {
		res, err := dl.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
			Prefix:            prefix,
			Delimiter:         "/",
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list files %s: %w", dir, err)
		}
		for _, obj := range res.Objects {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// ListAll returns every key below prefix, recursively.
func (s *Store) ListAll(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		res, err := s.p.List(ctx, provider.ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range res.Objects {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key names an object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.p.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if provider.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

// Put copies the local file at localPath to key, overwriting any existing
// object.
func (s *Store) Put(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return s.PutReader(ctx, key, f, st.Size())
}

// PutReader writes body to key. size may be -1 when unknown.
func (s *Store) PutReader(ctx context.Context, key string, body io.Reader, size int64) error {
	pp, ok := s.p.(provider.ObjectPutter)
	if !ok {
		return fmt.Errorf("put %s: %w", key, ErrUnsupported)
	}
	if err := pp.PutObject(ctx, key, body, size); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Open returns a reader for key. The caller closes it.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	g, ok := s.p.(provider.ObjectGetter)
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, ErrUnsupported)
	}
	rc, _, err := g.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return rc, nil
}

// Download copies key into the local file at localPath.
func (s *Store) Download(ctx context.Context, key, localPath string) error {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	return f.Close()
}

// Delete removes every object below prefix. A missing prefix is not an error.
func (s *Store) Delete(ctx context.Context, prefix string) error {
	d, ok := s.p.(provider.ObjectDeleter)
	if !ok {
		return fmt.Errorf("delete %s: %w", prefix, ErrUnsupported)
	}
	keys, err := s.ListAll(ctx, dirPrefix(prefix))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := d.DeleteObject(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", prefix, err)
		}
	}
	return nil
}

// Join joins key elements with "/".
func Join(elem ...string) string {
	return strings.TrimPrefix(path.Join(elem...), "/")
}

// Base returns the last element of a key.
func Base(key string) string {
	return path.Base(key)
}

func dirPrefix(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
