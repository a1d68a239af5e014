package committer

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

// BlobConfig controls where documents land and where notices go.
type BlobConfig struct {
	Prefix string
	// Topic receives a notice per commit. Empty disables notices.
	Topic string
}

// Notice is the message published for each commit.
type Notice struct {
	Event       string    `json:"event"`
	Reference   string    `json:"reference"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Depth       int       `json:"depth"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Attributes lets Pub/Sub subscribers filter on the event type.
func (n Notice) Attributes() map[string]string {
	return map[string]string{"event": n.Event}
}

// Blob writes document bodies to a BlobStore and optionally publishes a
// notice for every upsert and delete.
type Blob struct {
	store     crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       BlobConfig
	logger    *zap.Logger
}

// NewBlob builds a Blob committer. publisher may be nil.
func NewBlob(
	store crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg BlobConfig,
	logger *zap.Logger,
) (*Blob, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil || clock == nil {
		return nil, fmt.Errorf("hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blob{
		store:     store,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("committer"),
	}, nil
}

// Upsert stores the document body and announces it.
func (b *Blob) Upsert(ctx context.Context, req crawler.UpsertRequest) error {
	path, err := b.PathFor(req.Reference, req.ContentType)
	if err != nil {
		return err
	}
	uri, err := b.store.PutObject(ctx, path, req.ContentType, bytes.NewReader(req.Content))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	b.logger.Debug("document committed", zap.String("reference", req.Reference), zap.String("blob_uri", uri))
	return b.publish(ctx, Notice{
		Event:       "upsert",
		Reference:   req.Reference,
		BlobURI:     uri,
		Checksum:    req.Checksum,
		ContentType: req.ContentType,
		Depth:       req.Depth,
		Timestamp:   b.clock.Now(),
	})
}

// Delete removes the stored body and announces the deletion.
func (b *Blob) Delete(ctx context.Context, req crawler.DeleteRequest) error {
	var contentType string
	if values := req.Metadata["Content-Type"]; len(values) > 0 {
		contentType = values[0]
	}
	path, err := b.PathFor(req.Reference, contentType)
	if err != nil {
		return err
	}
	if err := b.store.DeleteObject(ctx, path); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	b.logger.Debug("document deleted", zap.String("reference", req.Reference), zap.String("reason", req.Reason))
	return b.publish(ctx, Notice{
		Event:     "delete",
		Reference: req.Reference,
		Reason:    req.Reason,
		Timestamp: b.clock.Now(),
	})
}

// Close implements crawler.Committer.
func (b *Blob) Close(context.Context) error {
	return nil
}

// PathFor derives the object path of a reference from its digest.
func (b *Blob) PathFor(reference, contentType string) (string, error) {
	digest, err := b.hasher.Hash([]byte(reference))
	if err != nil {
		return "", fmt.Errorf("hash reference: %w", err)
	}
	name := digest + extensionFor(contentType)
	prefix := strings.Trim(b.cfg.Prefix, "/")
	if prefix == "" {
		return name, nil
	}
	return prefix + "/" + name, nil
}

func (b *Blob) publish(ctx context.Context, n Notice) error {
	if b.cfg.Topic == "" || b.publisher == nil {
		return nil
	}
	if _, err := b.publisher.Publish(ctx, b.cfg.Topic, n); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// extensionFor keeps the stored path stable for upsert and delete, so it
// only looks at the media type and ignores parameters.
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return ".html"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	case "application/pdf":
		return ".pdf"
	case "application/xml", "text/xml":
		return ".xml"
	default:
		return ".bin"
	}
}
