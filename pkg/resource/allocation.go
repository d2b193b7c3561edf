package resource

import (
	"fmt"

	"github.com/parxlib/parx/pkg/utils"
)

// Tracks resource units consumed by live workers against the capacity of
// the backing allocation. All mutations happen on the pool's control loop,
// so the counters need no locking of their own.
type Allocation struct {
	total    int
	consumed int
}

// Create an allocation with the given total capacity.
// A negative total means unbounded capacity.
func NewAllocation(total int) *Allocation {
	return &Allocation{total: total}
}

// Total capacity in resource units. Negative when unbounded.
func (a *Allocation) Total() int {
	return a.total
}

// Units currently held by live workers.
func (a *Allocation) Consumed() int {
	return a.consumed
}

func (a *Allocation) Unbounded() bool {
	return a.total < 0
}

// Returns true if a request for the given number of units could ever be
// satisfied, regardless of current consumption.
func (a *Allocation) CanSatisfy(units int) bool {
	return a.Unbounded() || units <= a.total
}

// Acquire units for a new worker. Fails with ErrCapacityExceeded when the
// allocation has no free units left.
func (a *Allocation) Acquire(units int) error {
	if units < 0 {
		return fmt.Errorf("cannot acquire %d units", units)
	}
	if !a.Unbounded() && a.consumed+units > a.total {
		return fmt.Errorf("%w: %d units requested, %d of %d in use",
			utils.ErrCapacityExceeded, units, a.consumed, a.total)
	}
	a.consumed += units
	return nil
}

// Release units held by a terminated worker.
func (a *Allocation) Release(units int) {
	a.consumed -= units
	if a.consumed < 0 {
		a.consumed = 0
	}
}
