package flowtable

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/flowstate/policy/lru"
	"github.com/IvanBrykalov/flowstate/stm"
)

type countMetrics struct {
	mu sync.Mutex

	hits, misses, creates, rejects int

	evicts map[EvictReason]int
	sizes  map[int]int
}

func newCountMetrics() *countMetrics {
	return &countMetrics{evicts: map[EvictReason]int{}, sizes: map[int]int{}}
}

func (m *countMetrics) Hit()    { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *countMetrics) Miss()   { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *countMetrics) Create() { m.mu.Lock(); m.creates++; m.mu.Unlock() }
func (m *countMetrics) Reject() { m.mu.Lock(); m.rejects++; m.mu.Unlock() }
func (m *countMetrics) Evict(r EvictReason) {
	m.mu.Lock()
	m.evicts[r]++
	m.mu.Unlock()
}
func (m *countMetrics) Size(p, n int) { m.mu.Lock(); m.sizes[p] = n; m.mu.Unlock() }

type state struct {
	Packets int
	Dev     uint16
}

type fixture struct {
	t   *testing.T
	tab *Table[string, state]
	tx  *stm.Txn
}

func newFixture(t *testing.T, opt Options[string, state]) *fixture {
	t.Helper()
	tab, err := New[string, state](opt)
	require.NoError(t, err)
	return &fixture{t: t, tab: tab, tx: stm.New(stm.Options{}).NewTxn()}
}

func (f *fixture) run(fn func(tx *stm.Txn) error) error {
	return f.tx.Run(fn)
}

// create stages and commits a flow the way the driver does: stage in one
// transaction, commit in the next.
func (f *fixture) create(key string, p int, now int64, rec state, related ...string) error {
	if err := f.run(func(tx *stm.Txn) error { return f.tab.Stage(tx, p, rec, related...) }); err != nil {
		return err
	}
	return f.run(func(tx *stm.Txn) error {
		_, created, err := f.tab.Commit(tx, key, p, now)
		if err == nil && !created {
			return fmt.Errorf("flow %q not created", key)
		}
		return err
	})
}

func (f *fixture) lookup(key string, p int, now int64) (state, bool) {
	f.t.Helper()
	var (
		v  state
		ok bool
	)
	require.NoError(f.t, f.run(func(tx *stm.Txn) error {
		rec, hit, err := f.tab.Lookup(tx, key, p, now)
		if err != nil || !hit {
			ok = false
			return err
		}
		ok = true
		v, err = rec.Get(tx)
		return err
	}))
	return v, ok
}

func (f *fixture) deadline(key string, p int) int64 {
	f.t.Helper()
	var dl int64
	require.NoError(f.t, f.run(func(tx *stm.Txn) error {
		ref, ok, err := f.tab.index.Get(tx, key, p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%q not indexed", key)
		}
		dl, err = f.tab.alloc.Deadline(tx, f.tab.handle(ref))
		return err
	}))
	return dl
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()

	_, err := New[string, state](Options[string, state]{
		Capacity:         0,
		Validity:         time.Second,
		RefreshThreshold: 2 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity must be positive")
	assert.Contains(t, err.Error(), "refresh threshold")
}

func TestStageCommitLookup(t *testing.T) {
	t.Parallel()

	m := newCountMetrics()
	f := newFixture(t, Options[string, state]{Capacity: 8, Partitions: 2, Validity: time.Second, Metrics: m})

	_, ok := f.lookup("a", 0, 0)
	require.False(t, ok)

	require.NoError(t, f.create("a", 0, 0, state{Dev: 3}))
	require.False(t, f.tab.Staged(0))

	v, ok := f.lookup("a", 0, 1)
	require.True(t, ok)
	require.Equal(t, state{Dev: 3}, v)

	// Flows are partition-local.
	_, ok = f.lookup("a", 1, 1)
	require.False(t, ok)

	require.Equal(t, 1, f.tab.Len())
	require.Equal(t, 1, f.tab.PartitionLen(0))
	assert.Equal(t, 1, m.creates)
	assert.Equal(t, 1, m.hits)
	assert.Equal(t, 2, m.misses)
	assert.Equal(t, 1, m.sizes[0])
}

func TestCommit_NothingStaged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options[string, state]{Capacity: 4, Partitions: 1})
	require.NoError(t, f.run(func(tx *stm.Txn) error {
		rec, created, err := f.tab.Commit(tx, "x", 0, 0)
		assert.False(t, created)
		assert.False(t, rec.Valid())
		return err
	}))
}

// Committing an already indexed key keeps the existing flow.
func TestCommit_DuplicateKeyKeepsExisting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options[string, state]{Capacity: 4, Partitions: 1})
	require.NoError(t, f.create("k", 0, 0, state{Dev: 1}))

	require.NoError(t, f.run(func(tx *stm.Txn) error { return f.tab.Stage(tx, 0, state{Dev: 2}) }))
	require.NoError(t, f.run(func(tx *stm.Txn) error {
		_, created, err := f.tab.Commit(tx, "k", 0, 0)
		assert.False(t, created)
		return err
	}))
	v, _ := f.lookup("k", 0, 0)
	require.Equal(t, uint16(1), v.Dev)
	require.Equal(t, 1, f.tab.Len())
	require.False(t, f.tab.Staged(0))
}

// Related keys resolve to the same record and disappear with the flow.
func TestRelatedKeys(t *testing.T) {
	t.Parallel()

	var evicted []string
	f := newFixture(t, Options[string, state]{
		Capacity:    4,
		Partitions:  1,
		Validity:    10,
		RelatedKeys: true,
		OnEvict: func(_ *stm.Txn, k string, _ state, r EvictReason) error {
			evicted = append(evicted, k+":"+r.String())
			return nil
		},
	})
	require.NoError(t, f.create("lan", 0, 0, state{Dev: 9}, "wan"))

	v1, ok1 := f.lookup("lan", 0, 0)
	v2, ok2 := f.lookup("wan", 0, 0)
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, v1, v2)

	n, err := f.tab.Sweep(f.tx, 11, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"lan:expired"}, evicted)

	_, ok1 = f.lookup("lan", 0, 20)
	_, ok2 = f.lookup("wan", 0, 20)
	require.False(t, ok1)
	require.False(t, ok2)

	// The cell is reused by a flow without a related key; the stale
	// related link must not resurface.
	require.NoError(t, f.create("solo", 0, 30, state{}))
	_, ok2 = f.lookup("wan", 0, 30)
	require.False(t, ok2)
}

func TestRelatedKeys_Disabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options[string, state]{Capacity: 4, Partitions: 1})
	err := f.run(func(tx *stm.Txn) error { return f.tab.Stage(tx, 0, state{}, "other") })
	require.ErrorIs(t, err, ErrNoRelatedKeys)
}

// Lookup refreshes only flows idle for at least the threshold.
func TestLookup_RefreshThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options[string, state]{
		Capacity:         4,
		Partitions:       1,
		Validity:         100,
		RefreshThreshold: 50,
	})
	require.NoError(t, f.create("a", 0, 0, state{}))
	require.Equal(t, int64(100), f.deadline("a", 0))

	f.lookup("a", 0, 40)
	require.Equal(t, int64(100), f.deadline("a", 0), "refreshed before threshold")

	f.lookup("a", 0, 60)
	require.Equal(t, int64(160), f.deadline("a", 0))
}

// Sweep frees only flows whose deadline is strictly before now, oldest
// first, and reports them to OnEvict.
func TestSweep(t *testing.T) {
	t.Parallel()

	m := newCountMetrics()
	var got []string
	f := newFixture(t, Options[string, state]{
		Capacity:   8,
		Partitions: 2,
		Validity:   10,
		Metrics:    m,
		OnEvict: func(_ *stm.Txn, k string, rec state, _ EvictReason) error {
			got = append(got, fmt.Sprintf("%s/%d", k, rec.Packets))
			return nil
		},
	})
	require.NoError(t, f.create("a", 0, 0, state{Packets: 1}))
	require.NoError(t, f.create("b", 0, 5, state{Packets: 2}))
	require.NoError(t, f.create("c", 1, 0, state{Packets: 3}))

	n, err := f.tab.Sweep(f.tx, 10, 0)
	require.NoError(t, err)
	require.Zero(t, n, "deadline == now is still valid")

	n, err = f.tab.Sweep(f.tx, 11, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"a/1"}, got)

	n, err = f.tab.SweepAll(f.tx, 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"a/1", "b/2", "c/3"}, got)
	require.Zero(t, f.tab.Len())
	assert.Equal(t, 3, m.evicts[EvictExpired])

	var c struct{ alloc, free int }
	require.NoError(t, f.run(func(tx *stm.Txn) error {
		cs, err := f.tab.Census(tx)
		for i := range cs.Allocated {
			c.alloc += cs.Allocated[i]
			c.free += cs.Free[i]
		}
		return err
	}))
	require.Equal(t, 0, c.alloc)
	require.Equal(t, 8, c.free)
}

// A failing eviction callback aborts the reclamation and leaves the flow.
func TestSweep_OnEvictError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := newFixture(t, Options[string, state]{
		Capacity:   2,
		Partitions: 1,
		Validity:   1,
		OnEvict:    func(*stm.Txn, string, state, EvictReason) error { return boom },
	})
	require.NoError(t, f.create("a", 0, 0, state{}))
	_, err := f.tab.Sweep(f.tx, 100, 0)
	require.ErrorIs(t, err, boom)
	_, ok := f.lookup("a", 0, 0)
	require.True(t, ok)
}

// Staging in a transaction that aborts leaves no trace: no stage, no
// allocated index, global state untouched.
func TestStage_AbortSafety(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options[string, state]{Capacity: 4, Partitions: 1})
	global := stm.NewVector(2, func(int) int { return 0 })

	abort := errors.New("handler failed")
	err := f.run(func(tx *stm.Txn) error {
		if err := f.tab.Stage(tx, 0, state{Dev: 1}); err != nil {
			return err
		}
		p, err := global.Borrow(tx, 0)
		if err != nil {
			return err
		}
		*p = 42
		return abort
	})
	require.ErrorIs(t, err, abort)
	require.False(t, f.tab.Staged(0))
	require.Equal(t, 0, global.At(0).Peek())

	require.NoError(t, f.run(func(tx *stm.Txn) error {
		_, created, err := f.tab.Commit(tx, "k", 0, 0)
		assert.False(t, created)
		return err
	}))
	require.Zero(t, f.tab.Len())
}

// Record writes are rolled back when the handler's transaction aborts.
func TestRecord_UpdateRollback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options[string, state]{Capacity: 4, Partitions: 1})
	require.NoError(t, f.create("k", 0, 0, state{Packets: 1}))

	update := func(fail bool) error {
		return f.run(func(tx *stm.Txn) error {
			rec, _, err := f.tab.Lookup(tx, "k", 0, 0)
			if err != nil {
				return err
			}
			v, err := rec.Update(tx)
			if err != nil {
				return err
			}
			v.Packets++
			if fail {
				return errors.New("drop")
			}
			return nil
		})
	}
	require.NoError(t, update(false))
	require.Error(t, update(true))
	v, _ := f.lookup("k", 0, 0)
	require.Equal(t, 2, v.Packets)
}

// A partition whose own Free list is empty borrows through the Global list
// before the admission policy is consulted.
func TestCommit_BorrowsBeforePolicy(t *testing.T) {
	t.Parallel()

	var evicted []string
	f := newFixture(t, Options[string, state]{
		Capacity:   4,
		Partitions: 2,
		Validity:   time.Hour,
		Policy:     lru.New(),
		OnEvict: func(_ *stm.Txn, k string, _ state, _ EvictReason) error {
			evicted = append(evicted, k)
			return nil
		},
	})
	for i, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, f.create(k, 0, int64(i), state{}), "create %s", k)
	}
	require.Empty(t, evicted, "no flow may be evicted while the pool has room")
	require.Equal(t, 4, f.tab.PartitionLen(0))

	var c struct{ alloc, free []int }
	require.NoError(t, f.run(func(tx *stm.Txn) error {
		cs, err := f.tab.Census(tx)
		c.alloc, c.free = cs.Allocated, cs.Free
		assert.Zero(t, cs.Global)
		return err
	}))
	require.Equal(t, []int{4, 0}, c.alloc)
	require.Equal(t, []int{0, 0}, c.free)

	// Only now is the pool exhausted and the policy makes room.
	require.NoError(t, f.create("e", 0, 10, state{}))
	require.Equal(t, []string{"a"}, evicted)
	require.Equal(t, 4, f.tab.Len())
}

// The default policy rejects once no index is left anywhere.
func TestCommit_NoCapacity(t *testing.T) {
	t.Parallel()

	m := newCountMetrics()
	f := newFixture(t, Options[string, state]{Capacity: 2, Partitions: 2, Metrics: m})
	require.NoError(t, f.create("a", 0, 0, state{}))
	require.NoError(t, f.create("b", 0, 0, state{}))

	// Staging never fails for lack of room.
	require.NoError(t, f.run(func(tx *stm.Txn) error { return f.tab.Stage(tx, 1, state{}) }))
	err := f.run(func(tx *stm.Txn) error {
		_, _, err := f.tab.Commit(tx, "c", 1, 0)
		return err
	})
	require.ErrorIs(t, err, ErrNoCapacity)
	require.False(t, f.tab.Staged(1))
	require.Equal(t, 1, m.rejects)

	require.ErrorIs(t, f.create("d", 0, 0, state{}), ErrNoCapacity)
	require.Equal(t, 2, f.tab.Len())
	require.Equal(t, 2, m.rejects)
}

// Live tells a handler whether a flow looked up earlier was swept since.
func TestLive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options[string, state]{Capacity: 4, Partitions: 2, Validity: 10})
	require.NoError(t, f.create("a", 0, 0, state{}))

	var rec Record[state]
	require.NoError(t, f.run(func(tx *stm.Txn) error {
		var err error
		rec, _, err = f.tab.Lookup(tx, "a", 0, 0)
		return err
	}))
	live := func(p int) bool {
		var ok bool
		require.NoError(t, f.run(func(tx *stm.Txn) error {
			var err error
			ok, err = f.tab.Live(tx, rec, p)
			return err
		}))
		return ok
	}
	require.True(t, live(0))
	require.False(t, live(1), "a flow is only live in its own partition")

	n, err := f.tab.Sweep(f.tx, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, live(0))

	require.NoError(t, f.run(func(tx *stm.Txn) error {
		ok, err := f.tab.Live(tx, Record[state]{}, 0)
		assert.False(t, ok)
		return err
	}))
}

// The LRU policy evicts the least recently used flow to admit a new one.
func TestStage_LRUPolicy(t *testing.T) {
	t.Parallel()

	m := newCountMetrics()
	var evicted []string
	f := newFixture(t, Options[string, state]{
		Capacity:   2,
		Partitions: 1,
		Validity:   time.Hour,
		Policy:     lru.New(),
		Metrics:    m,
		OnEvict: func(_ *stm.Txn, k string, _ state, r EvictReason) error {
			evicted = append(evicted, k)
			assert.Equal(t, EvictCapacity, r)
			return nil
		},
	})
	require.NoError(t, f.create("a", 0, 0, state{}))
	require.NoError(t, f.create("b", 0, 1, state{}))
	f.lookup("a", 0, 2) // a becomes most recent

	require.NoError(t, f.create("c", 0, 3, state{}))
	require.Equal(t, []string{"b"}, evicted)
	_, ok := f.lookup("b", 0, 4)
	require.False(t, ok)
	require.Equal(t, 2, f.tab.Len())
	assert.Equal(t, 1, m.evicts[EvictCapacity])
}

func TestRemove(t *testing.T) {
	t.Parallel()

	called := false
	f := newFixture(t, Options[string, state]{
		Capacity:   4,
		Partitions: 1,
		OnEvict:    func(*stm.Txn, string, state, EvictReason) error { called = true; return nil },
	})
	require.NoError(t, f.create("a", 0, 0, state{}))

	var removed bool
	require.NoError(t, f.run(func(tx *stm.Txn) error {
		var err error
		removed, err = f.tab.Remove(tx, "a", 0)
		return err
	}))
	require.True(t, removed)
	require.False(t, called, "Remove must not call OnEvict")
	require.Zero(t, f.tab.Len())

	require.NoError(t, f.run(func(tx *stm.Txn) error {
		var err error
		removed, err = f.tab.Remove(tx, "a", 0)
		return err
	}))
	require.False(t, removed)
}

// Workers create and look up flows in their own partitions concurrently
// while a sweeper reclaims expired ones.
func TestConcurrent_CreateLookupSweep(t *testing.T) {
	const (
		parts   = 4
		perPart = 500
	)
	f := newFixture(t, Options[string, state]{
		Capacity:   parts * perPart,
		Partitions: parts,
		Validity:   time.Hour,
	})
	d := stm.New(stm.Options{Retry: stm.Yield(4)})

	var g errgroup.Group
	for p := 0; p < parts; p++ {
		g.Go(func() error {
			tx := d.NewTxn()
			for i := 0; i < perPart; i++ {
				key := fmt.Sprintf("p%d-%d", p, i)
				if err := tx.Run(func(tx *stm.Txn) error { return f.tab.Stage(tx, p, state{Packets: i}) }); err != nil {
					return err
				}
				if err := tx.Run(func(tx *stm.Txn) error {
					_, _, err := f.tab.Commit(tx, key, p, 0)
					return err
				}); err != nil {
					return err
				}
				if err := tx.Run(func(tx *stm.Txn) error {
					rec, ok, err := f.tab.Lookup(tx, key, p, 0)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%s missing", key)
					}
					v, err := rec.Update(tx)
					if err != nil {
						return err
					}
					v.Packets++
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		tx := d.NewTxn()
		for i := 0; i < 50; i++ {
			if _, err := f.tab.SweepAll(tx, 1); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	require.Equal(t, parts*perPart, f.tab.Len())

	n, err := f.tab.SweepAll(d.NewTxn(), int64(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, parts*perPart, n)
	require.Zero(t, f.tab.Len())
}

func BenchmarkLookupHit(b *testing.B) {
	tab, err := New[uint64, state](Options[uint64, state]{
		Capacity:         1 << 16,
		Partitions:       1,
		Validity:         time.Hour,
		RefreshThreshold: time.Minute,
	})
	require.NoError(b, err)
	tx := stm.New(stm.Options{}).NewTxn()
	for i := uint64(0); i < 1<<12; i++ {
		_ = tx.Run(func(tx *stm.Txn) error { return tab.Stage(tx, 0, state{}) })
		_ = tx.Run(func(tx *stm.Txn) error {
			_, _, err := tab.Commit(tx, i, 0, 0)
			return err
		})
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tx.Run(func(tx *stm.Txn) error {
			_, _, err := tab.Lookup(tx, uint64(i)&(1<<12-1), 0, 0)
			return err
		})
	}
}
