package provider

import (
	"context"
	"io"
)

// Optional capabilities. Callers detect them with type assertions; the
// storage package fails with ErrUnsupported when a backend lacks one.

// ObjectPutter creates or overwrites objects. Overwrite must be allowed so
// that staging chunk files is idempotent.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error
}

// ObjectDeleter deletes a single object. Deleting a missing key is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectGetter opens an object for streaming reads.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}
