package capability

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Backend is one of the execution backends a task may run on
type Backend int

const (
	BackendAcceleratorNPU Backend = iota
	BackendAcceleratorGPU
	BackendGraphicsCompute
	BackendVectorizedLogic
	BackendLogic

	backendCount
)

var backendMapping = make(map[Backend]string)

func (b Backend) String() string {
	return backendMapping[b]
}

func init() {
	backendMapping[BackendAcceleratorNPU] = "accelerator-npu"
	backendMapping[BackendAcceleratorGPU] = "accelerator-gpu"
	backendMapping[BackendGraphicsCompute] = "graphics-compute"
	backendMapping[BackendVectorizedLogic] = "vectorized-logic"
	backendMapping[BackendLogic] = "logic"
}

// Valid returns true if the backend is one of the known backends
func (b Backend) Valid() bool {
	return b >= 0 && b < backendCount
}

// ParseBackend converts a backend name, as returned by Backend.String, back into a Backend
func ParseBackend(name string) (Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for backend, backendName := range backendMapping {
		if backendName == name {
			return backend, nil
		}
	}

	return 0, errors.Newf("unknown backend: %q", name)
}

// Chain is an ordered list of backends to try, most specialized first
type Chain []Backend

// BuildChain orders the available backends from most to least specialized. The logic backend
// is always available, so the chain always ends with it and is never empty.
func BuildChain(set Set) Chain {
	chain := make(Chain, 0, backendCount)

	if set.AcceleratorNPU {
		chain = append(chain, BackendAcceleratorNPU)
	}
	if set.AcceleratorGPU {
		chain = append(chain, BackendAcceleratorGPU)
	}
	if set.GraphicsCompute {
		chain = append(chain, BackendGraphicsCompute)
	}
	if set.VectorizedLogic {
		chain = append(chain, BackendVectorizedLogic)
	}

	return append(chain, BackendLogic)
}

// Contains returns true if the backend appears in the chain
func (c Chain) Contains(backend Backend) bool {
	for _, b := range c {
		if b == backend {
			return true
		}
	}
	return false
}

// Filter returns the backends of the chain that are also in allowed, in chain order
func (c Chain) Filter(allowed ...Backend) Chain {
	filtered := make(Chain, 0, len(c))
	for _, b := range c {
		for _, a := range allowed {
			if a == b {
				filtered = append(filtered, b)
				break
			}
		}
	}
	return filtered
}

func (c Chain) String() string {
	names := make([]string, 0, len(c))
	for _, b := range c {
		names = append(names, b.String())
	}
	return "[" + strings.Join(names, " -> ") + "]"
}
