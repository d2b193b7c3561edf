package resource

import (
	"fmt"
	"sort"

	"github.com/parxlib/parx/pkg/utils"
)

// Assigns concrete GPU device indices to workers. A device is never bound
// to two concurrently live workers unless oversubscription is requested.
// Mutated only from the pool's control loop.
type DeviceBinder struct {
	devices int
	inUse   map[int]int
}

// Create a binder managing device indices [0, devices).
func NewDeviceBinder(devices int) *DeviceBinder {
	return &DeviceBinder{
		devices: devices,
		inUse:   map[int]int{},
	}
}

// Number of managed devices.
func (b *DeviceBinder) Devices() int {
	return b.devices
}

// Number of devices currently bound to at least one worker.
func (b *DeviceBinder) Bound() int {
	return len(b.inUse)
}

// Acquire count devices for a worker. Free devices are preferred; when
// oversubscription is requested the least loaded devices are shared instead
// of failing.
func (b *DeviceBinder) Acquire(count int, oversubscribe bool) ([]int, error) {
	if count == 0 {
		return nil, nil
	}
	if count > b.devices {
		return nil, fmt.Errorf("%w: %d gpu devices requested, %d present",
			utils.ErrCapacityExceeded, count, b.devices)
	}

	free := make([]int, 0, b.devices)
	for device := 0; device < b.devices; device++ {
		if b.inUse[device] == 0 {
			free = append(free, device)
		}
	}

	if len(free) < count && !oversubscribe {
		return nil, fmt.Errorf("%w: %d gpu devices requested, %d free",
			utils.ErrCapacityExceeded, count, len(free))
	}

	assigned := free
	if len(assigned) > count {
		assigned = assigned[:count]
	}

	if len(assigned) < count {
		// Oversubscribed: share the least loaded devices.
		loaded := make([]int, 0, b.devices)
		for device := 0; device < b.devices; device++ {
			if b.inUse[device] > 0 {
				loaded = append(loaded, device)
			}
		}
		sort.Slice(loaded, func(i, j int) bool {
			return b.inUse[loaded[i]] < b.inUse[loaded[j]]
		})
		assigned = append(assigned, loaded[:count-len(assigned)]...)
	}

	for _, device := range assigned {
		b.inUse[device]++
	}

	sort.Ints(assigned)
	return assigned, nil
}

// Release devices bound to a terminated worker.
func (b *DeviceBinder) Release(devices []int) {
	for _, device := range devices {
		if b.inUse[device] <= 1 {
			delete(b.inUse, device)
		} else {
			b.inUse[device]--
		}
	}
}
