package capability

import (
	"context"
	"runtime"

	"golang.org/x/sys/cpu"
)

//go:generate mockgen -source=probe.go -destination=mock_probe_test.go -package=capability_test

// Probe inspects one source of backend capabilities. Detector merges the results of every probe.
type Probe interface {
	Probe(ctx context.Context) (Set, error)
}

// ProbeFunc adapts a function to the Probe interface
type ProbeFunc func(ctx context.Context) (Set, error)

func (f ProbeFunc) Probe(ctx context.Context) (Set, error) {
	return f(ctx)
}

// StaticProbe reports a fixed set
type StaticProbe Set

func (p StaticProbe) Probe(ctx context.Context) (Set, error) {
	return Set(p), nil
}

// HostProbe reports the logic backend's capabilities: SIMD support for vectorized logic and the
// number of hardware threads
type HostProbe struct{}

func (HostProbe) Probe(ctx context.Context) (Set, error) {
	threads := runtime.NumCPU()

	return Set{
		Logic:              true,
		VectorizedLogic:    cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD,
		MultiThreadedLogic: threads > 1,
		LogicThreads:       threads,
	}, nil
}
