// Package gridtest holds a behavioural suite every grid adapter must pass.
package gridtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/grid"
)

// Factory builds a fresh, empty grid for one subtest.
type Factory func(t *testing.T) grid.Grid

// Run executes the adapter suite against grids produced by newGrid.
func Run(t *testing.T, newGrid Factory) {
	t.Helper()

	t.Run("map basics", func(t *testing.T) { testMapBasics(t, newGrid(t)) })
	t.Run("put if absent", func(t *testing.T) { testPutIfAbsent(t, newGrid(t)) })
	t.Run("move", func(t *testing.T) { testMove(t, newGrid(t)) })
	t.Run("take is exclusive", func(t *testing.T) { testTakeExclusive(t, newGrid(t)) })
	t.Run("run on one serializes", func(t *testing.T) { testRunOnOne(t, newGrid(t)) })
	t.Run("pipeline", func(t *testing.T) { testPipeline(t, newGrid(t)) })
	t.Run("names", func(t *testing.T) { testNames(t, newGrid(t)) })
}

func testMapBasics(t *testing.T, g grid.Grid) {
	ctx := context.Background()
	m := g.Storage().Map("basics")

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Put(ctx, "a", []byte("1")))
	require.NoError(t, m.Put(ctx, "b", []byte("2")))
	require.NoError(t, m.Put(ctx, "a", []byte("3")))

	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", string(v))

	size, err := m.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	seen := map[string]string{}
	require.NoError(t, m.ForEach(ctx, func(k string, v []byte) bool {
		seen[k] = string(v)
		return true
	}))
	require.Equal(t, map[string]string{"a": "3", "b": "2"}, seen)

	visited := 0
	require.NoError(t, m.ForEach(ctx, func(string, []byte) bool {
		visited++
		return false
	}))
	require.Equal(t, 1, visited)

	existed, err := m.Delete(ctx, "a")
	require.NoError(t, err)
	require.True(t, existed)
	existed, err = m.Delete(ctx, "a")
	require.NoError(t, err)
	require.False(t, existed)

	require.NoError(t, m.Clear(ctx))
	size, err = m.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func testPutIfAbsent(t *testing.T, g grid.Grid) {
	ctx := context.Background()
	m := g.Storage().Map("pia")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.PutIfAbsent(ctx, "key", []byte(fmt.Sprint(i)))
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func testMove(t *testing.T, g grid.Grid) {
	ctx := context.Background()
	st := g.Storage()
	src, dst := st.Map("src"), st.Map("dst")

	moved, err := st.Move(ctx, "src", "dst", "k", []byte("v2"))
	require.NoError(t, err)
	require.False(t, moved)

	require.NoError(t, src.Put(ctx, "k", []byte("v1")))
	moved, err = st.Move(ctx, "src", "dst", "k", []byte("v2"))
	require.NoError(t, err)
	require.True(t, moved)

	_, ok, err := src.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := dst.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func testTakeExclusive(t *testing.T, g grid.Grid) {
	ctx := context.Background()
	st := g.Storage()
	queued := st.Map("queued")
	const total = 40
	for i := 0; i < total; i++ {
		require.NoError(t, queued.Put(ctx, fmt.Sprintf("ref-%02d", i), []byte("x")))
	}

	var (
		mu    sync.Mutex
		taken = map[string]int{}
		wg    sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				key, _, ok, err := st.Take(ctx, "queued", "active")
				if err != nil || !ok {
					return
				}
				mu.Lock()
				taken[key]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, taken, total)
	for key, n := range taken {
		require.Equal(t, 1, n, "key %s taken more than once", key)
	}
	active, err := st.Map("active").Size(ctx)
	require.NoError(t, err)
	require.Equal(t, total, active)
}

func testRunOnOne(t *testing.T, g grid.Grid) {
	ctx := context.Background()
	var (
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Compute().RunOnOne(ctx, "exclusive", func(context.Context) error {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.False(t, overlap.Load())

	boom := fmt.Errorf("boom")
	err := g.Compute().RunOnOne(ctx, "exclusive", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

func testPipeline(t *testing.T, g grid.Grid) {
	ctx := context.Background()
	p := g.Pipeline()

	state, err := p.State(ctx, "crawl-1.orphans")
	require.NoError(t, err)
	require.Equal(t, grid.StageNone, state)

	claimed, err := p.Begin(ctx, "crawl-1.orphans")
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = p.Begin(ctx, "crawl-1.orphans")
	require.NoError(t, err)
	require.False(t, claimed)

	require.NoError(t, p.Complete(ctx, "crawl-1.orphans"))
	state, err = p.State(ctx, "crawl-1.orphans")
	require.NoError(t, err)
	require.Equal(t, grid.StageComplete, state)

	require.NoError(t, p.Reset(ctx, "crawl-1."))
	state, err = p.State(ctx, "crawl-1.orphans")
	require.NoError(t, err)
	require.Equal(t, grid.StageNone, state)
}

func testNames(t *testing.T, g grid.Grid) {
	ctx := context.Background()
	st := g.Storage()
	require.NoError(t, st.Map("alpha").Put(ctx, "k", []byte("v")))
	require.NoError(t, st.Map("beta").Put(ctx, "k", []byte("v")))
	_ = st.Map("empty")

	names, err := st.Names(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "alpha")
	require.Contains(t, names, "beta")
	require.NotContains(t, names, "empty")
}
