package crawl

import (
	"context"

	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Callbacks observe a crawler at command, task and document granularity.
// Tasks are the bootstrap steps and the orphan sweep.
type Callbacks interface {
	BeforeCommand(ctx context.Context, command string)
	AfterCommand(ctx context.Context, command string, err error)
	BeforeTask(ctx context.Context, task string)
	AfterTask(ctx context.Context, task string, err error)
	BeforeDocument(ctx context.Context, e ledger.Entry)
	AfterDocument(ctx context.Context, e ledger.Entry, err error)
}

// NopCallbacks implements Callbacks with no-ops. Embed it to override a subset.
type NopCallbacks struct{}

// BeforeCommand implements Callbacks.
func (NopCallbacks) BeforeCommand(context.Context, string) {}

// AfterCommand implements Callbacks.
func (NopCallbacks) AfterCommand(context.Context, string, error) {}

// BeforeTask implements Callbacks.
func (NopCallbacks) BeforeTask(context.Context, string) {}

// AfterTask implements Callbacks.
func (NopCallbacks) AfterTask(context.Context, string, error) {}

// BeforeDocument implements Callbacks.
func (NopCallbacks) BeforeDocument(context.Context, ledger.Entry) {}

// AfterDocument implements Callbacks.
func (NopCallbacks) AfterDocument(context.Context, ledger.Entry, error) {}
