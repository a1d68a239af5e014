// Package grid declares the distributed storage and coordination surface the
// crawl core runs on: named key-value maps with per-key atomic operations,
// single-node task execution, and pipeline stage tracking. Adapters live in
// the memory, sqlite, redis and postgres subpackages.
package grid

import (
	"context"
	"errors"
)

// ErrClosed is returned by adapters used after Close.
var ErrClosed = errors.New("grid closed")

// Grid is the entry point to a storage and compute backend shared by every
// node that runs the same crawler.
type Grid interface {
	NodeName() string
	Storage() Storage
	Compute() Compute
	Pipeline() Pipeline
	Close() error
}

// Storage hands out named maps and performs the cross-map moves the ledger
// relies on for exclusivity.
type Storage interface {
	// Map returns the named map, creating it lazily.
	Map(name string) Map
	// Move deletes key from the from map and stores value under key in the to
	// map as one atomic step. It reports false when key was not in from.
	Move(ctx context.Context, from, to, key string, value []byte) (bool, error)
	// Take removes one arbitrary entry from the from map and stores it
	// unchanged in the to map as one atomic step. ok is false when from is empty.
	Take(ctx context.Context, from, to string) (key string, value []byte, ok bool, err error)
	// Names lists every map that currently holds at least one entry.
	Names(ctx context.Context) ([]string, error)
}

// Map is a string-keyed map of opaque values.
type Map interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key is missing and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// ForEach visits every entry until fn returns false.
	ForEach(ctx context.Context, fn func(key string, value []byte) bool) error
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Task is a unit of work executed under Compute coordination.
type Task func(ctx context.Context) error

// Compute runs tasks that must not execute concurrently across the cluster.
type Compute interface {
	// RunOnOne executes task while holding the cluster-wide lock called name.
	// Callers with the same name run one after the other, never together.
	RunOnOne(ctx context.Context, name string, task Task) error
}

// StageState is the lifecycle of a named pipeline stage.
type StageState string

// Supported stage states.
const (
	StageNone     StageState = ""
	StageRunning  StageState = "RUNNING"
	StageComplete StageState = "COMPLETE"
)

// Pipeline records which once-per-session stages have run.
type Pipeline interface {
	// Begin marks stage as running and reports whether the caller claimed it.
	Begin(ctx context.Context, stage string) (bool, error)
	Complete(ctx context.Context, stage string) error
	State(ctx context.Context, stage string) (StageState, error)
	// Reset forgets every stage whose name starts with prefix.
	Reset(ctx context.Context, prefix string) error
}
