package mergeable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/flowstate/stm"
)

func counter(t *testing.T, replicas int, staleness time.Duration) *Object[int] {
	t.Helper()
	o, err := New(Options[int]{
		Replicas:  replicas,
		Staleness: staleness,
		Init:      func() int { return 0 },
		Merge:     func(dst *int, r int) { *dst += r },
	})
	require.NoError(t, err)
	return o
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()

	_, err := New(Options[int]{})
	require.ErrorContains(t, err, "replicas must be positive")
	require.ErrorContains(t, err, "init function is required")
	require.ErrorContains(t, err, "merge function is required")
}

// Reads within the staleness bound return the cached merge; after it the
// replicas are merged again.
func TestRead_Staleness(t *testing.T) {
	t.Parallel()

	o := counter(t, 2, 100)
	tx := stm.New(stm.Options{}).NewTxn()
	inc := func(r int) {
		require.NoError(t, tx.Run(func(tx *stm.Txn) error {
			return o.Update(tx, r, func(v *int) { *v++ })
		}))
	}
	read := func(now int64) int {
		var v int
		require.NoError(t, tx.Run(func(tx *stm.Txn) error {
			var err error
			v, err = o.Read(tx, 0, now)
			return err
		}))
		return v
	}

	inc(0)
	inc(1)
	require.Equal(t, 2, read(0), "first read always merges")

	inc(1)
	require.Equal(t, 2, read(99), "within staleness the cache is served")
	require.Equal(t, 3, read(100))

	inc(0)
	var snap int
	require.NoError(t, tx.Run(func(tx *stm.Txn) error {
		var err error
		snap, err = o.Snapshot(tx)
		return err
	}))
	require.Equal(t, 4, snap, "snapshot ignores the cache")
	require.Equal(t, 3, read(150), "snapshot does not refresh the cache")
}

// An aborted update leaves the replica untouched.
func TestUpdate_Abort(t *testing.T) {
	t.Parallel()

	o := counter(t, 1, 0)
	tx := stm.New(stm.Options{}).NewTxn()
	tx.Begin()
	require.NoError(t, o.Update(tx, 0, func(v *int) { *v += 10 }))
	tx.Abort()

	require.NoError(t, tx.Run(func(tx *stm.Txn) error {
		v, err := o.Read(tx, 0, 0)
		require.Equal(t, 0, v)
		return err
	}))
}

// Workers increment their own replicas concurrently; the final merge sees
// every increment.
func TestConcurrent_Counters(t *testing.T) {
	const (
		replicas = 4
		incs     = 1000
	)
	o := counter(t, replicas, time.Hour)
	d := stm.New(stm.Options{})

	g, _ := errgroup.WithContext(context.Background())
	for r := 0; r < replicas; r++ {
		g.Go(func() error {
			tx := d.NewTxn()
			for i := 0; i < incs; i++ {
				if err := tx.Run(func(tx *stm.Txn) error {
					return o.Update(tx, r, func(v *int) { *v++ })
				}); err != nil {
					return err
				}
				if i%100 == 0 {
					if err := tx.Run(func(tx *stm.Txn) error {
						_, err := o.Read(tx, r, int64(i))
						return err
					}); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var total int
	require.NoError(t, d.NewTxn().Run(func(tx *stm.Txn) error {
		var err error
		total, err = o.Read(tx, 0, int64(2*time.Hour))
		return err
	}))
	require.Equal(t, replicas*incs, total)
}
