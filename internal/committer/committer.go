// Package committer contains the sinks processed documents are committed to.
package committer

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
)

// Multi commits every request to each of its committers in order.
type Multi []crawler.Committer

// Upsert implements crawler.Committer. Every committer is called even when
// an earlier one fails.
func (m Multi) Upsert(ctx context.Context, req crawler.UpsertRequest) error {
	var errs []error
	for i, c := range m {
		if err := c.Upsert(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("committer %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Delete implements crawler.Committer.
func (m Multi) Delete(ctx context.Context, req crawler.DeleteRequest) error {
	var errs []error
	for i, c := range m {
		if err := c.Delete(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("committer %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements crawler.Committer.
func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, c := range m {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
