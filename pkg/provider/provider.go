// Package provider abstracts the storage substrate that holds chunk
// manifests, staged chunk files and the raw per-region imputation output.
//
// The core Provider interface only covers listing and metadata. Reading,
// writing, deleting and directory-style listing are optional capabilities
// detected with type assertions (see capabilities.go).
package provider

import (
	"context"
	"time"
)

// Provider lists objects below a key prefix.
//
// Implementations must be safe for concurrent use; the scheduler's job
// builders and the export assembler share one instance per run.
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects per page. Zero uses the provider default.
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is empty when there are no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 is AWS S3 or an S3-compatible store.
	ProviderS3 ProviderType = "s3"

	// ProviderFile is a local (or network mounted) directory tree.
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
