package crawl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// BootstrapStep prepares part of a crawl context before workers start.
type BootstrapStep interface {
	Name() string
	Bootstrap(ctx context.Context, c *Context) error
}

// StartReferenceProvider supplies start references computed at run time.
type StartReferenceProvider interface {
	StartReferences(ctx context.Context) ([]string, error)
}

// StartReferenceProviderFunc adapts a function to StartReferenceProvider.
type StartReferenceProviderFunc func(ctx context.Context) ([]string, error)

// StartReferences calls f.
func (f StartReferenceProviderFunc) StartReferences(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// DefaultBootstrapSteps returns the ledger step followed by the queue step.
func DefaultBootstrapSteps(providers ...StartReferenceProvider) []BootstrapStep {
	return []BootstrapStep{
		LedgerBootstrapper{},
		QueueBootstrapper{Providers: providers},
	}
}

// LedgerBootstrapper initializes the ledger for a fresh or resumed session.
type LedgerBootstrapper struct{}

// Name implements BootstrapStep.
func (LedgerBootstrapper) Name() string { return "ledger" }

// Bootstrap implements BootstrapStep.
func (LedgerBootstrapper) Bootstrap(ctx context.Context, c *Context) error {
	res, err := c.Ledger.Init(ctx, c.Resumed())
	if err != nil {
		return err
	}
	c.Init = res
	c.QueueEmptyAtStart = res.QueueEmpty
	c.ProcessedEmptyAtStart = res.ProcessedEmpty
	return nil
}

// QueueBootstrapper seeds the queue with start references at depth 0. A
// resumed session with work left in the queue is not seeded again.
type QueueBootstrapper struct {
	Providers []StartReferenceProvider
}

// Name implements BootstrapStep.
func (QueueBootstrapper) Name() string { return "queue" }

// Bootstrap implements BootstrapStep.
func (b QueueBootstrapper) Bootstrap(ctx context.Context, c *Context) error {
	if c.Resumed() && !c.QueueEmptyAtStart {
		c.Logger.Info("resuming with a non-empty queue, start references skipped")
		return nil
	}
	if c.Config.StartReferencesAsync {
		c.Go(func() error { return b.seed(ctx, c) })
		return nil
	}
	return b.seed(ctx, c)
}

func (b QueueBootstrapper) seed(ctx context.Context, c *Context) error {
	providers := make([]StartReferenceProvider, 0, 1+len(c.Config.StartReferencesFiles)+len(b.Providers))
	providers = append(providers, staticReferences(c.Config.StartReferences))
	for _, path := range c.Config.StartReferencesFiles {
		providers = append(providers, FileReferences(path))
	}
	providers = append(providers, b.Providers...)

	queued := 0
	for _, p := range providers {
		if stopping(ctx, c) {
			break
		}
		refs, err := p.StartReferences(ctx)
		if err != nil {
			return fmt.Errorf("start references: %w", err)
		}
		for _, ref := range refs {
			if stopping(ctx, c) {
				break
			}
			ok, err := queueReference(ctx, c, ledger.QueueRequest{Reference: ref})
			if err != nil {
				return err
			}
			if ok {
				queued++
			}
		}
	}
	c.Logger.Info("start references queued", zap.Int("queued", queued))
	return nil
}

func stopping(ctx context.Context, c *Context) bool {
	return ctx.Err() != nil || (c.Stop != nil && c.Stop.Stopped())
}

// queueReference queues req and emits the matching event.
func queueReference(ctx context.Context, c *Context, req ledger.QueueRequest) (bool, error) {
	res, err := c.Ledger.Queue(ctx, req)
	if err != nil {
		return false, err
	}
	evt := event.Event{Reference: req.Reference, Depth: req.Depth}
	switch res {
	case ledger.Queued:
		evt.Type = event.DocumentQueued
	case ledger.RejectedTooDeep:
		evt.Type = event.RejectedTooDeep
	case ledger.RejectedDuplicate:
		evt.Type = event.RejectedDuplicate
	default:
		c.Logger.Debug("invalid start reference ignored", zap.String("reference", req.Reference))
		return false, nil
	}
	c.Events.Emit(evt)
	return res.Accepted(), nil
}

type staticReferences []string

func (s staticReferences) StartReferences(context.Context) ([]string, error) {
	return s, nil
}

// FileReferences reads one reference per line from path. Blank lines and
// lines starting with # are skipped.
type FileReferences string

// StartReferences implements StartReferenceProvider.
func (f FileReferences) StartReferences(context.Context) ([]string, error) {
	file, err := os.Open(string(f))
	if err != nil {
		return nil, fmt.Errorf("open start references file: %w", err)
	}
	defer file.Close()

	var refs []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", string(f), err)
	}
	return refs, nil
}
