package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aosedge/aos-sm/pkg/types"
)

func TestDeviceAllocatorShareCountZeroIsUnlimited(t *testing.T) {
	d := newDeviceAllocator()
	d.configure([]types.Device{{Name: "gpu", SharedCount: 0}})

	for i := uint64(0); i < 50; i++ {
		ident := types.InstanceIdent{ServiceID: "s", SubjectID: "sub", Instance: i}
		assert.True(t, d.requireDevice(ident, "gpu"))
	}
}

func TestDeviceAllocatorEnforcesShareCount(t *testing.T) {
	d := newDeviceAllocator()
	d.configure([]types.Device{{Name: "usb", SharedCount: 2}})

	a := types.InstanceIdent{ServiceID: "s", SubjectID: "sub", Instance: 0}
	b := types.InstanceIdent{ServiceID: "s", SubjectID: "sub", Instance: 1}
	c := types.InstanceIdent{ServiceID: "s", SubjectID: "sub", Instance: 2}

	assert.True(t, d.requireDevice(a, "usb"))
	assert.True(t, d.requireDevice(b, "usb"))
	assert.False(t, d.requireDevice(c, "usb"))

	d.release(a)
	assert.True(t, d.requireDevice(c, "usb"))
}
