package vulkan_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/confluence/capability"
	"github.com/vkngwrapper/confluence/capability/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
)

type fakePhysicalDevice struct {
	properties core1_0.PhysicalDeviceProperties
	extensions []string
	err        error
}

func (d *fakePhysicalDevice) Properties() (*core1_0.PhysicalDeviceProperties, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &d.properties, nil
}

func (d *fakePhysicalDevice) EnumerateDeviceExtensionProperties() (map[string]*core1_0.ExtensionProperties, common.VkResult, error) {
	extensions := make(map[string]*core1_0.ExtensionProperties)
	for _, name := range d.extensions {
		extensions[name] = &core1_0.ExtensionProperties{ExtensionName: name}
	}
	return extensions, core1_0.VKSuccess, nil
}

func device(driverType core1_0.PhysicalDeviceType, version common.APIVersion, extensions ...string) *fakePhysicalDevice {
	return &fakePhysicalDevice{
		properties: core1_0.PhysicalDeviceProperties{
			DriverType: driverType,
			APIVersion: version,
		},
		extensions: extensions,
	}
}

func TestProbe_NoDevices(t *testing.T) {
	set, err := vulkan.NewDeviceProbe().Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, capability.Set{Logic: true}, set)
}

func TestProbe_IntegratedGPU(t *testing.T) {
	probe := vulkan.NewDeviceProbe(device(core1_0.PhysicalDeviceTypeIntegratedGPU, common.Vulkan1_0))

	set, err := probe.Probe(context.Background())
	require.NoError(t, err)
	require.True(t, set.GraphicsCompute)
	require.False(t, set.AcceleratorGPU)
	require.False(t, set.SharedMemory)
}

func TestProbe_DiscreteGPUWithExternalMemory(t *testing.T) {
	probe := vulkan.NewDeviceProbe(
		device(core1_0.PhysicalDeviceTypeCPU, common.Vulkan1_2),
		device(core1_0.PhysicalDeviceTypeDiscreteGPU, common.Vulkan1_0, khr_external_memory.ExtensionName),
	)

	set, err := probe.Probe(context.Background())
	require.NoError(t, err)
	require.True(t, set.GraphicsCompute)
	require.True(t, set.AcceleratorGPU)
	require.True(t, set.SharedMemory)
	require.Equal(t, capability.TierGPU, set.Tier())
}

func TestProbe_CoreExternalMemory(t *testing.T) {
	probe := vulkan.NewDeviceProbe(device(core1_0.PhysicalDeviceTypeVirtualGPU, common.Vulkan1_1))

	set, err := probe.Probe(context.Background())
	require.NoError(t, err)
	require.True(t, set.GraphicsCompute)
	require.True(t, set.SharedMemory)
}

func TestProbe_CPUDeviceIsIgnored(t *testing.T) {
	probe := vulkan.NewDeviceProbe(device(core1_0.PhysicalDeviceTypeCPU, common.Vulkan1_2))

	set, err := probe.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, capability.Set{Logic: true}, set)
}

func TestProbe_PropertiesFailure(t *testing.T) {
	probe := vulkan.NewDeviceProbe(&fakePhysicalDevice{err: errors.New("device lost")})

	_, err := probe.Probe(context.Background())
	require.Error(t, err)

	detector := capability.NewDetector(nil, capability.Mask{}, probe, capability.HostProbe{})
	set := detector.Detect(context.Background())
	require.False(t, set.GraphicsCompute)
	require.True(t, set.Logic)
}
