package flowtable

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/IvanBrykalov/flowstate/internal/util"
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/policy/drop"
	"github.com/IvanBrykalov/flowstate/stm"
)

// EvictReason explains why a flow was removed.
type EvictReason = policy.Reason

const (
	// EvictExpired: reclaimed by Sweep (or on demand) after its deadline.
	EvictExpired = policy.Expired
	// EvictCapacity: removed by the admission policy to make room.
	EvictCapacity = policy.Capacity
)

// ErrNoCapacity is returned by Commit when no index can be
// allocated for a new flow. It is not a conflict: retrying the same
// transaction will not help.
var ErrNoCapacity = errors.New("flowtable: no free index")

// ErrNoRelatedKeys is returned by Stage when a related key is supplied to a
// table created without Options.RelatedKeys.
var ErrNoRelatedKeys = errors.New("flowtable: related keys not enabled")

// Metrics exposes table-level observability hooks. Calls are made after the
// transaction they belong to has committed, except Reject, which is called
// as Commit gives up (its transaction then usually aborts).
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Create()
	Evict(reason EvictReason)
	Reject()
	Size(partition, flows int)
}

// Clock provides time in UnixNano; useful for deterministic tests. The table
// itself takes the time explicitly; the driver reads packet timestamps from a
// Clock.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Options configures a Table. Zero values are safe;
// defaults are applied in New():
//   - Partitions <= 0          => one per GOMAXPROCS
//   - Validity <= 0            => flows never expire
//   - BucketsPerPartition <= 0 => enough for one key per bucket on average
//   - nil Hash / Equal         => util.Hash / ==
//   - nil Policy               => drop (reject new flows when full)
//   - nil Metrics              => NoopMetrics
//   - zero Logger              => logr.Discard()
type Options[K comparable, V any] struct {
	// Capacity is the maximum number of live flows, shared by all partitions.
	Capacity int

	// Partitions is the number of worker partitions. Flows are only visible
	// from the partition that created them.
	Partitions int

	// Validity is how long a flow stays alive after its last refresh.
	Validity time.Duration

	// RefreshThreshold is the minimum idle time before Lookup refreshes a
	// flow. Larger values mean fewer writes on the lookup path at the cost
	// of expiry precision. Must not exceed Validity.
	RefreshThreshold time.Duration

	// RelatedKeys allows every flow to carry a second key that resolves to
	// the same record (both directions of a NAT mapping, for instance).
	RelatedKeys bool

	// BucketsPerPartition sizes the hash index; rounded up to a power of two.
	BucketsPerPartition int

	Hash  func(K) uint64
	Equal func(a, b K) bool

	// OnEvict is called inside the reclaiming transaction before a flow's
	// keys are erased. Returning an error aborts the reclamation.
	// Keep callbacks short: they extend the transaction.
	OnEvict func(tx *stm.Txn, key K, rec V, reason EvictReason) error

	// Policy decides what Commit does when no index can be allocated.
	Policy policy.Policy

	Metrics Metrics

	Logger logr.Logger
}

func (o *Options[K, V]) applyDefaults() {
	if o.Partitions <= 0 {
		o.Partitions = util.ReasonablePartitionCount()
	}
	if o.Validity < 0 {
		o.Validity = 0
	}
	if o.BucketsPerPartition <= 0 && o.Capacity > 0 {
		keys := uint64(o.Capacity)
		if o.RelatedKeys {
			keys *= 2
		}
		o.BucketsPerPartition = int(util.NextPow2(util.NextPow2(keys) / uint64(o.Partitions)))
	}
	if o.Policy == nil {
		o.Policy = drop.New()
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
}

func (o *Options[K, V]) validate() error {
	var errs error
	if o.Capacity <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("capacity must be positive, got %d", o.Capacity))
	}
	if o.RelatedKeys && o.Capacity > math.MaxInt32/2 {
		errs = multierr.Append(errs, fmt.Errorf("capacity %d too large for related keys", o.Capacity))
	}
	if o.RefreshThreshold < 0 {
		errs = multierr.Append(errs, fmt.Errorf("refresh threshold must not be negative, got %v", o.RefreshThreshold))
	}
	if o.Validity > 0 && o.RefreshThreshold > o.Validity {
		errs = multierr.Append(errs, fmt.Errorf("refresh threshold %v exceeds validity %v", o.RefreshThreshold, o.Validity))
	}
	if errs != nil {
		return fmt.Errorf("invalid flowtable options: %w", errs)
	}
	return nil
}
