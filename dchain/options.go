package dchain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/IvanBrykalov/flowstate/internal/util"
)

// Options configures an Allocator. Zero values are safe:
//   - Partitions <= 0 => util.ReasonablePartitionCount()
//   - Validity <= 0  => indices never expire (deadline stays math.MaxInt64)
//   - zero Logger    => logr.Discard()
type Options struct {
	// Capacity is the number of indices, fixed for the allocator's lifetime.
	Capacity int

	// Partitions is the number of Allocated/Free list pairs.
	Partitions int

	// Validity is how long an index stays valid after Allocate or
	// Rejuvenate.
	Validity time.Duration

	Logger logr.Logger
}

// maxCapacity keeps every slot number representable as int32.
const maxCapacity = math.MaxInt32 - 2*util.MaxPartitions - 1

func (o *Options) applyDefaults() {
	if o.Partitions <= 0 {
		o.Partitions = util.ReasonablePartitionCount()
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
}

func (o *Options) validate() error {
	var errs error
	if o.Capacity <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("capacity must be positive, got %d", o.Capacity))
	}
	if o.Capacity > maxCapacity {
		errs = multierr.Append(errs, fmt.Errorf("capacity %d exceeds %d", o.Capacity, maxCapacity))
	}
	if o.Partitions > util.MaxPartitions {
		errs = multierr.Append(errs, fmt.Errorf("partitions %d exceeds %d", o.Partitions, util.MaxPartitions))
	}
	if errs != nil {
		return fmt.Errorf("invalid dchain options: %w", errs)
	}
	return nil
}

var (
	// ErrNotOwned is returned when an index is not on the given partition's
	// Allocated list.
	ErrNotOwned = errors.New("dchain: index not allocated by partition")

	// ErrBadPartition is returned for a partition outside [0, Partitions).
	ErrBadPartition = errors.New("dchain: partition out of range")

	// ErrBadHandle is returned for a handle outside [0, Capacity).
	ErrBadHandle = errors.New("dchain: handle out of range")

	// ErrCorrupt is returned by Census when the lists violate conservation.
	ErrCorrupt = errors.New("dchain: list structure corrupt")
)
