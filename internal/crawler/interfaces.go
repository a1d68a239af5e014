package crawler

import (
	"context"
	"io"
	"time"
)

// Committer is the final sink for processed documents.
type Committer interface {
	Upsert(ctx context.Context, req UpsertRequest) error
	Delete(ctx context.Context, req DeleteRequest) error
	Close(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes commit notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
