package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/gridcrawler/internal/crawler"
	"github.com/JakeFAU/gridcrawler/internal/grid"
)

// MapName is the grid map holding one record per crawler id.
const MapName = "crawl-sessions"

// NodesMapName is the grid map holding one presence entry per crawler and
// node taking part in a run.
const NodesMapName = "crawl-nodes"

// ErrNoSession is returned when a crawler id has no record.
var ErrNoSession = errors.New("no session record")

// Registry reads and writes session records. Every write goes through
// Compute.RunOnOne under the crawler's session lock so record updates from
// different nodes never interleave.
type Registry struct {
	grid     grid.Grid
	sessions *grid.JSONMap[Session]
	nodes    *grid.JSONMap[int64]
	clock    crawler.Clock
}

// NewRegistry builds a Registry on g.
func NewRegistry(g grid.Grid, clock crawler.Clock) *Registry {
	return &Registry{
		grid:     g,
		sessions: grid.NewJSONMap[Session](g.Storage().Map(MapName)),
		nodes:    grid.NewJSONMap[int64](g.Storage().Map(NodesMapName)),
		clock:    clock,
	}
}

func nodeKey(crawlerID, node string) string {
	return crawlerID + "/" + node
}

// LockName is the RunOnOne lock guarding the record of crawlerID.
func LockName(crawlerID string) string {
	return "session:" + crawlerID
}

// Get loads the record for crawlerID.
func (r *Registry) Get(ctx context.Context, crawlerID string) (Session, bool, error) {
	s, ok, err := r.sessions.Get(ctx, crawlerID)
	if err != nil {
		return Session{}, false, fmt.Errorf("load session %s: %w", crawlerID, err)
	}
	return s, ok, nil
}

// Touch refreshes LastUpdated on the record of crawlerID.
func (r *Registry) Touch(ctx context.Context, crawlerID string) (Session, error) {
	var out Session
	err := r.update(ctx, crawlerID, func(s *Session) {
		s.LastUpdated = r.clock.Now().UnixMilli()
		out = *s
	})
	return out, err
}

// SetState records a new crawl state and refreshes LastUpdated.
func (r *Registry) SetState(ctx context.Context, crawlerID string, state CrawlState) (Session, error) {
	var out Session
	err := r.update(ctx, crawlerID, func(s *Session) {
		s.CrawlState = state
		s.LastUpdated = r.clock.Now().UnixMilli()
		out = *s
	})
	return out, err
}

// Delete removes the record of crawlerID.
func (r *Registry) Delete(ctx context.Context, crawlerID string) (bool, error) {
	var existed bool
	err := r.grid.Compute().RunOnOne(ctx, LockName(crawlerID), func(ctx context.Context) error {
		var err error
		if existed, err = r.sessions.Delete(ctx, crawlerID); err != nil {
			return err
		}
		_, err = r.pruneNodes(ctx, crawlerID, "", 0)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", crawlerID, err)
	}
	return existed, nil
}

// MarkPresent records that node takes part in the current run of crawlerID.
func (r *Registry) MarkPresent(ctx context.Context, crawlerID, node string) error {
	if err := r.nodes.Put(ctx, nodeKey(crawlerID, node), r.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("mark node %s present in %s: %w", node, crawlerID, err)
	}
	return nil
}

// Leave removes node from the run of crawlerID. When no other node marked
// itself present within timeout, state is written to the session record and
// recorded is true. Otherwise the record is left to the nodes still running.
func (r *Registry) Leave(ctx context.Context, crawlerID, node string, state CrawlState, timeout time.Duration) (recorded bool, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	err = r.grid.Compute().RunOnOne(ctx, LockName(crawlerID), func(ctx context.Context) error {
		others, err := r.pruneNodes(ctx, crawlerID, node, timeout)
		if err != nil || others > 0 {
			return err
		}
		s, ok, err := r.sessions.Get(ctx, crawlerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSession
		}
		s.CrawlState = state
		s.LastUpdated = r.clock.Now().UnixMilli()
		if err := r.sessions.Put(ctx, crawlerID, s); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("leave session %s: %w", crawlerID, err)
	}
	return recorded, nil
}

// pruneNodes deletes the entry of node and every entry older than timeout,
// and returns how many live entries remain. A zero timeout deletes all
// entries of crawlerID.
func (r *Registry) pruneNodes(ctx context.Context, crawlerID, node string, timeout time.Duration) (int, error) {
	prefix := nodeKey(crawlerID, "")
	cutoff := r.clock.Now().Add(-timeout).UnixMilli()
	var drop []string
	live := 0
	err := r.nodes.ForEach(ctx, func(key string, beat int64) bool {
		switch {
		case !strings.HasPrefix(key, prefix):
		case timeout == 0, key == nodeKey(crawlerID, node), beat < cutoff:
			drop = append(drop, key)
		default:
			live++
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, key := range drop {
		if _, err := r.nodes.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return live, nil
}

func (r *Registry) update(ctx context.Context, crawlerID string, mutate func(*Session)) error {
	err := r.grid.Compute().RunOnOne(ctx, LockName(crawlerID), func(ctx context.Context) error {
		s, ok, err := r.sessions.Get(ctx, crawlerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSession
		}
		mutate(&s)
		return r.sessions.Put(ctx, crawlerID, s)
	})
	if err != nil {
		return fmt.Errorf("update session %s: %w", crawlerID, err)
	}
	return nil
}
