package scheduler

import (
	"github.com/vkngwrapper/confluence/capability"
)

// DefaultComplexityThreshold is the complexity above which compute tasks are offered to the
// graphics backend
const DefaultComplexityThreshold = 1024

// Router assigns tasks to backends according to their type and the host's capabilities
type Router struct {
	chain     capability.Chain
	tier      capability.Tier
	threshold int
}

// NewRouter creates a Router for the host described by set. A threshold of 0 uses
// DefaultComplexityThreshold.
func NewRouter(set capability.Set, threshold int) *Router {
	if threshold == 0 {
		threshold = DefaultComplexityThreshold
	}

	return &Router{
		chain:     capability.BuildChain(set),
		tier:      set.Tier(),
		threshold: threshold,
	}
}

// Chain returns the host's full fallback chain
func (r *Router) Chain() capability.Chain {
	return append(capability.Chain(nil), r.chain...)
}

// Plan decides where a task runs. Rendering tasks run only on the graphics backend. AI tasks
// prefer the accelerators and fall back to logic. Compute tasks go to the graphics backend
// when their complexity exceeds the threshold, and to logic otherwise. Everything else runs
// on logic.
func (r *Router) Plan(task Task) Plan {
	var chain capability.Chain
	preferred := capability.BackendLogic

	switch task.Type {
	case TaskRendering:
		preferred = capability.BackendGraphicsCompute
		chain = r.chain.Filter(capability.BackendGraphicsCompute)
	case TaskAI:
		chain = r.chain.Filter(capability.BackendAcceleratorNPU, capability.BackendAcceleratorGPU, capability.BackendLogic)
	case TaskCompute:
		if task.Complexity > r.threshold {
			chain = r.chain.Filter(capability.BackendGraphicsCompute, capability.BackendVectorizedLogic, capability.BackendLogic)
		} else {
			chain = r.chain.Filter(capability.BackendVectorizedLogic, capability.BackendLogic)
		}
	default:
		chain = capability.Chain{capability.BackendLogic}
	}

	if len(chain) > 0 {
		preferred = chain[0]
	}

	plan := Plan{
		Backend: preferred,
		Chain:   chain,
		Tier:    capability.TierNone,
	}
	if task.Type == TaskAI {
		plan.Tier = r.tier
	}

	return plan
}
