package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/confluence/devpool"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// Device is the part of core1_0.Device used to create buffers
type Device interface {
	CreateBuffer(allocationCallbacks *driver.AllocationCallbacks, o core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error)
}

// Buffer is a Vulkan buffer lent out by a devpool.Pool
type Buffer struct {
	Handle core1_0.Buffer

	allocationCallbacks *driver.AllocationCallbacks
}

var _ devpool.Buffer = &Buffer{}

// Destroy destroys the underlying Vulkan buffer
func (b *Buffer) Destroy() {
	if b.Handle == nil {
		return
	}

	b.Handle.Destroy(b.allocationCallbacks)
	b.Handle = nil
}

// BufferFactory creates exclusive-sharing Vulkan buffers for a devpool.Pool. It creates buffer
// objects only; binding memory to them is left to the consumer's allocator.
type BufferFactory struct {
	device              Device
	allocationCallbacks *driver.AllocationCallbacks
}

var _ devpool.Factory = &BufferFactory{}

// NewBufferFactory creates a BufferFactory. allocationCallbacks may be nil.
func NewBufferFactory(device Device, allocationCallbacks *driver.AllocationCallbacks) *BufferFactory {
	return &BufferFactory{
		device:              device,
		allocationCallbacks: allocationCallbacks,
	}
}

func (f *BufferFactory) CreateBuffer(key devpool.Key) (devpool.Buffer, error) {
	buffer, res, err := f.device.CreateBuffer(f.allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        key.Size,
		Usage:       core1_0.BufferUsageFlags(key.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vkCreateBuffer returned %s", res)
	}

	return &Buffer{
		Handle:              buffer,
		allocationCallbacks: f.allocationCallbacks,
	}, nil
}
