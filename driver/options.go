package driver

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/IvanBrykalov/flowstate/flowtable"
	"github.com/IvanBrykalov/flowstate/stm"
)

// DefaultBurst is the number of packets polled per loop iteration.
const DefaultBurst = 32

// Options configures a Runtime. Zero values are safe:
//   - Burst <= 0   => DefaultBurst
//   - nil Clock    => time.Now()
//   - zero Logger  => logr.Discard()
type Options struct {
	// Source and Sink are required for Run; Worker.Process works without them.
	Source Source
	Sink   Sink

	// Burst is the maximum number of packets processed per iteration.
	Burst int

	// Batching lets consecutive packets of known flows (and consecutive
	// stateless packets) share one handler transaction.
	Batching bool

	// Expire makes every worker sweep its own partition once per loop.
	Expire bool

	// Periodic, when set, runs every Period on a dedicated goroutine inside
	// a retryable transaction. It may read and update any shared state.
	Periodic func(tx *stm.Txn, now int64) error
	Period   time.Duration

	// CPUs pins worker i to CPUs[i]. Nil or short means "do not pin" for the
	// remaining workers.
	CPUs []int

	Clock  flowtable.Clock
	Logger logr.Logger
}

func (o *Options) applyDefaults() {
	if o.Burst <= 0 {
		o.Burst = DefaultBurst
	}
	if o.Clock == nil {
		o.Clock = flowtable.SystemClock()
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
}

func (o *Options) validate() error {
	var errs error
	if o.Periodic != nil && o.Period <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("period must be positive when a periodic handler is set, got %v", o.Period))
	}
	for i, c := range o.CPUs {
		if c < 0 {
			errs = multierr.Append(errs, fmt.Errorf("cpu for worker %d is negative: %d", i, c))
		}
	}
	if errs != nil {
		return fmt.Errorf("invalid driver options: %w", errs)
	}
	return nil
}
