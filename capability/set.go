package capability

// Tier is the class of inference accelerator available to AI tasks
type Tier int

const (
	TierNone Tier = iota
	TierGPU
	TierNPU
)

var tierMapping = make(map[Tier]string)

func (t Tier) String() string {
	return tierMapping[t]
}

func init() {
	tierMapping[TierNone] = "none"
	tierMapping[TierGPU] = "gpu"
	tierMapping[TierNPU] = "npu"
}

// Set is a snapshot of the backends available on the host. Logic is always true.
type Set struct {
	Logic              bool
	GraphicsCompute    bool
	AcceleratorNPU     bool
	AcceleratorGPU     bool
	VectorizedLogic    bool
	MultiThreadedLogic bool
	// LogicThreads is the number of hardware threads available to the logic backend
	LogicThreads int
	// SharedMemory is true when a device can import host memory, so backends can share the
	// arena's bytes without staging copies
	SharedMemory bool
}

// Tier returns the most specialized accelerator in the set
func (s Set) Tier() Tier {
	if s.AcceleratorNPU {
		return TierNPU
	}
	if s.AcceleratorGPU {
		return TierGPU
	}
	return TierNone
}

// Merge returns the union of both sets
func (s Set) Merge(other Set) Set {
	merged := Set{
		Logic:              true,
		GraphicsCompute:    s.GraphicsCompute || other.GraphicsCompute,
		AcceleratorNPU:     s.AcceleratorNPU || other.AcceleratorNPU,
		AcceleratorGPU:     s.AcceleratorGPU || other.AcceleratorGPU,
		VectorizedLogic:    s.VectorizedLogic || other.VectorizedLogic,
		MultiThreadedLogic: s.MultiThreadedLogic || other.MultiThreadedLogic,
		LogicThreads:       s.LogicThreads,
		SharedMemory:       s.SharedMemory || other.SharedMemory,
	}

	if other.LogicThreads > merged.LogicThreads {
		merged.LogicThreads = other.LogicThreads
	}

	return merged
}

// Mask switches capabilities off. A true field forces the matching capability to false; Logic
// cannot be masked.
type Mask struct {
	GraphicsCompute    bool `json:"graphicsCompute,omitempty"`
	AcceleratorNPU     bool `json:"acceleratorNPU,omitempty"`
	AcceleratorGPU     bool `json:"acceleratorGPU,omitempty"`
	VectorizedLogic    bool `json:"vectorizedLogic,omitempty"`
	MultiThreadedLogic bool `json:"multiThreadedLogic,omitempty"`
	SharedMemory       bool `json:"sharedMemory,omitempty"`
}

// Apply returns the set with every masked capability switched off
func (m Mask) Apply(s Set) Set {
	s.Logic = true
	s.GraphicsCompute = s.GraphicsCompute && !m.GraphicsCompute
	s.AcceleratorNPU = s.AcceleratorNPU && !m.AcceleratorNPU
	s.AcceleratorGPU = s.AcceleratorGPU && !m.AcceleratorGPU
	s.VectorizedLogic = s.VectorizedLogic && !m.VectorizedLogic
	s.SharedMemory = s.SharedMemory && !m.SharedMemory
	if m.MultiThreadedLogic {
		s.MultiThreadedLogic = false
		s.LogicThreads = 1
	}
	return s
}
