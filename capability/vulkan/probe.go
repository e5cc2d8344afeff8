package vulkan

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/confluence/capability"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
)

// PhysicalDevice is the part of core1_0.PhysicalDevice the probe inspects
type PhysicalDevice interface {
	Properties() (*core1_0.PhysicalDeviceProperties, error)
	EnumerateDeviceExtensionProperties() (map[string]*core1_0.ExtensionProperties, common.VkResult, error)
}

// Instance is the part of core1_0.Instance used to find physical devices
type Instance interface {
	EnumeratePhysicalDevices() ([]core1_0.PhysicalDevice, common.VkResult, error)
}

// Probe reports the graphics and accelerator capabilities of a Vulkan instance's physical
// devices. Any non-CPU device provides graphics compute; a discrete GPU also serves as an
// accelerator. External memory, either through core 1.1 or khr_external_memory, marks the
// arena as shareable with the device.
type Probe struct {
	enumerate func() ([]PhysicalDevice, error)
}

var _ capability.Probe = &Probe{}

// NewInstanceProbe creates a Probe over every physical device of the instance
func NewInstanceProbe(instance Instance) *Probe {
	return &Probe{
		enumerate: func() ([]PhysicalDevice, error) {
			physicalDevices, res, err := instance.EnumeratePhysicalDevices()
			if err != nil {
				return nil, errors.Wrapf(err, "vkEnumeratePhysicalDevices returned %s", res)
			}

			devices := make([]PhysicalDevice, 0, len(physicalDevices))
			for _, physicalDevice := range physicalDevices {
				devices = append(devices, physicalDevice)
			}
			return devices, nil
		},
	}
}

// NewDeviceProbe creates a Probe over a fixed list of physical devices
func NewDeviceProbe(devices ...PhysicalDevice) *Probe {
	return &Probe{
		enumerate: func() ([]PhysicalDevice, error) {
			return devices, nil
		},
	}
}

func (p *Probe) Probe(ctx context.Context) (capability.Set, error) {
	devices, err := p.enumerate()
	if err != nil {
		return capability.Set{}, err
	}

	set := capability.Set{Logic: true}
	for index, device := range devices {
		if err := ctx.Err(); err != nil {
			return capability.Set{}, err
		}

		properties, err := device.Properties()
		if err != nil {
			return capability.Set{}, errors.Wrapf(err, "failed to read properties of physical device %d", index)
		}

		switch properties.DriverType {
		case core1_0.PhysicalDeviceTypeCPU:
			continue
		case core1_0.PhysicalDeviceTypeDiscreteGPU:
			set.GraphicsCompute = true
			set.AcceleratorGPU = true
		default:
			set.GraphicsCompute = true
		}

		if properties.APIVersion.IsAtLeast(common.Vulkan1_1) {
			set.SharedMemory = true
			continue
		}

		extensions, res, err := device.EnumerateDeviceExtensionProperties()
		if err != nil {
			return capability.Set{}, errors.Wrapf(err, "vkEnumerateDeviceExtensionProperties returned %s for physical device %d", res, index)
		}

		if _, ok := extensions[khr_external_memory.ExtensionName]; ok {
			set.SharedMemory = true
		}
	}

	return set, nil
}
