package devpool

import "github.com/vkngwrapper/core/v2/common"

// Usage is a set of flags describing how a device buffer will be used. The bit values match
// Vulkan's buffer usage flags, so a Vulkan factory can convert them directly.
type Usage int32

var usageMapping = common.NewFlagStringMapping[Usage]()

func (u Usage) Register(str string) {
	usageMapping.Register(u, str)
}

func (u Usage) String() string {
	return usageMapping.FlagsToString(u)
}

const (
	UsageTransferSrc Usage = 1 << iota
	UsageTransferDst
	UsageUniformTexelBuffer
	UsageStorageTexelBuffer
	UsageUniformBuffer
	UsageStorageBuffer
	UsageIndexBuffer
	UsageVertexBuffer
	UsageIndirectBuffer
)

func init() {
	UsageTransferSrc.Register("TransferSrc")
	UsageTransferDst.Register("TransferDst")
	UsageUniformTexelBuffer.Register("UniformTexelBuffer")
	UsageStorageTexelBuffer.Register("StorageTexelBuffer")
	UsageUniformBuffer.Register("UniformBuffer")
	UsageStorageBuffer.Register("StorageBuffer")
	UsageIndexBuffer.Register("IndexBuffer")
	UsageVertexBuffer.Register("VertexBuffer")
	UsageIndirectBuffer.Register("IndirectBuffer")
}

// Key identifies a class of interchangeable device buffers
type Key struct {
	Size  int
	Usage Usage
}

// Buffer is a backend buffer handle owned by the pool
type Buffer interface {
	Destroy()
}

//go:generate mockgen -source=usage.go -destination=mock_factory_test.go -package=devpool_test

// Factory creates backend buffers for the pool
type Factory interface {
	CreateBuffer(key Key) (Buffer, error)
}
