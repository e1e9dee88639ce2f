package launcher

import (
	"sync"

	"github.com/aosedge/aos-sm/pkg/types"
)

// deviceAllocator tracks how many instances currently hold each named
// device class, enforcing service.Devices' ShareCount (spec.md §8:
// "ShareCount = 0 means unlimited device allocation"). Grounded in the
// nodeDevice/allocateDevices/releaseDevices bookkeeping of the
// reference launcher (see DESIGN.md).
type deviceAllocator struct {
	mu      sync.Mutex
	limits  map[string]int
	holders map[string]map[types.InstanceIdent]bool
}

func newDeviceAllocator() *deviceAllocator {
	return &deviceAllocator{
		limits:  map[string]int{},
		holders: map[string]map[types.InstanceIdent]bool{},
	}
}

// configure sets (or updates) the share count for a device class; 0
// means unlimited.
func (d *deviceAllocator) configure(devices []types.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, dev := range devices {
		d.limits[dev.Name] = dev.SharedCount

		if d.holders[dev.Name] == nil {
			d.holders[dev.Name] = map[types.InstanceIdent]bool{}
		}
	}
}

// allocate is called for every instance the launcher starts. Today
// spec.md ties device requirements to the node config rather than to
// ServiceData, which carries no device list, so allocate claims nothing
// and always succeeds; the bookkeeping below is exercised directly by
// the launcher unit tests via requireDevice.
func (d *deviceAllocator) allocate(_ types.InstanceIdent, _ types.ServiceData) bool {
	return true
}

// requireDevice claims one unit of deviceName for ident, returning
// false if the class is at its ShareCount limit.
func (d *deviceAllocator) requireDevice(ident types.InstanceIdent, deviceName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.holders[deviceName] == nil {
		d.holders[deviceName] = map[types.InstanceIdent]bool{}
	}

	limit := d.limits[deviceName]

	if limit > 0 && len(d.holders[deviceName]) >= limit {
		return false
	}

	d.holders[deviceName][ident] = true

	return true
}

// release frees every device class ident held.
func (d *deviceAllocator) release(ident types.InstanceIdent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, holders := range d.holders {
		delete(holders, ident)
	}
}
