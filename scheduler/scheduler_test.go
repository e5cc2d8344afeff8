package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/confluence/capability"
	"github.com/vkngwrapper/confluence/scheduler"
)

var fullHost = capability.Set{
	Logic:           true,
	GraphicsCompute: true,
	AcceleratorNPU:  true,
	AcceleratorGPU:  true,
	VectorizedLogic: true,
}

func succeed(output string) scheduler.Implementation {
	return func(ctx context.Context, task scheduler.Task) (any, error) {
		return output, nil
	}
}

func fail(message string) scheduler.Implementation {
	return func(ctx context.Context, task scheduler.Task) (any, error) {
		return nil, errors.New(message)
	}
}

func TestExecuteChain_FallsBackPastSkippedAndFailed(t *testing.T) {
	chain := capability.Chain{
		capability.BackendAcceleratorNPU,
		capability.BackendAcceleratorGPU,
		capability.BackendGraphicsCompute,
		capability.BackendLogic,
	}

	result, err := scheduler.ExecuteChain(context.Background(), chain, scheduler.Task{Name: "blur"}, scheduler.Implementations{
		capability.BackendGraphicsCompute: fail("device lost"),
		capability.BackendLogic:           succeed("logic output"),
	})
	require.NoError(t, err)
	require.Equal(t, capability.BackendLogic, result.Backend)
	require.Equal(t, "logic output", result.Output)
	require.Len(t, result.Failures, 1)
	require.Equal(t, capability.BackendGraphicsCompute, result.Failures[0].Backend)
	require.True(t, errors.Is(result.Failures[0].Err, scheduler.ErrBackendExecution))
}

func TestExecuteChain_AllBackendsFailed(t *testing.T) {
	chain := capability.Chain{
		capability.BackendAcceleratorNPU,
		capability.BackendAcceleratorGPU,
		capability.BackendGraphicsCompute,
		capability.BackendLogic,
	}

	_, err := scheduler.ExecuteChain(context.Background(), chain, scheduler.Task{Name: "infer"}, scheduler.Implementations{
		capability.BackendAcceleratorNPU:  fail("npu busy"),
		capability.BackendGraphicsCompute: fail("device lost"),
		capability.BackendLogic: func(ctx context.Context, task scheduler.Task) (any, error) {
			panic("out of range")
		},
	})
	require.ErrorIs(t, err, scheduler.ErrAllBackendsFailed)

	var failed *scheduler.AllBackendsFailedError
	require.True(t, errors.As(err, &failed))
	require.Equal(t, "infer", failed.Task)
	require.Equal(t, capability.Chain{
		capability.BackendAcceleratorNPU,
		capability.BackendGraphicsCompute,
		capability.BackendLogic,
	}, failed.Backends())
	require.Contains(t, failed.Attempts[2].Err.Error(), "out of range")
	require.Contains(t, err.Error(), "npu busy")
}

func TestExecuteChain_StopsAtFirstSuccess(t *testing.T) {
	var logicCalls atomic.Int32
	chain := capability.Chain{capability.BackendGraphicsCompute, capability.BackendLogic}

	result, err := scheduler.ExecuteChain(context.Background(), chain, scheduler.Task{Name: "sum"}, scheduler.Implementations{
		capability.BackendGraphicsCompute: succeed("gpu"),
		capability.BackendLogic: func(ctx context.Context, task scheduler.Task) (any, error) {
			logicCalls.Add(1)
			return "cpu", nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "gpu", result.Output)
	require.Empty(t, result.Failures)
	require.Equal(t, int32(0), logicCalls.Load())
}

func TestExecuteChain_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chain := capability.Chain{capability.BackendGraphicsCompute, capability.BackendLogic}

	_, err := scheduler.ExecuteChain(ctx, chain, scheduler.Task{Name: "sum"}, scheduler.Implementations{
		capability.BackendGraphicsCompute: func(ctx context.Context, task scheduler.Task) (any, error) {
			cancel()
			return nil, errors.New("interrupted")
		},
		capability.BackendLogic: succeed("cpu"),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRouter_Plan(t *testing.T) {
	testCases := map[string]struct {
		Host     capability.Set
		Task     scheduler.Task
		Expected scheduler.Plan
	}{
		"RenderingNeverFallsBack": {
			Host: fullHost,
			Task: scheduler.Task{Type: scheduler.TaskRendering},
			Expected: scheduler.Plan{
				Backend: capability.BackendGraphicsCompute,
				Chain:   capability.Chain{capability.BackendGraphicsCompute},
			},
		},
		"RenderingWithoutGraphics": {
			Host: capability.Set{Logic: true},
			Task: scheduler.Task{Type: scheduler.TaskRendering},
			Expected: scheduler.Plan{
				Backend: capability.BackendGraphicsCompute,
				Chain:   capability.Chain{},
			},
		},
		"AIPrefersNPU": {
			Host: fullHost,
			Task: scheduler.Task{Type: scheduler.TaskAI},
			Expected: scheduler.Plan{
				Backend: capability.BackendAcceleratorNPU,
				Tier:    capability.TierNPU,
				Chain: capability.Chain{
					capability.BackendAcceleratorNPU,
					capability.BackendAcceleratorGPU,
					capability.BackendLogic,
				},
			},
		},
		"AIWithoutAccelerators": {
			Host: capability.Set{Logic: true, GraphicsCompute: true},
			Task: scheduler.Task{Type: scheduler.TaskAI},
			Expected: scheduler.Plan{
				Backend: capability.BackendLogic,
				Tier:    capability.TierNone,
				Chain:   capability.Chain{capability.BackendLogic},
			},
		},
		"HeavyCompute": {
			Host: fullHost,
			Task: scheduler.Task{Type: scheduler.TaskCompute, Complexity: 4096},
			Expected: scheduler.Plan{
				Backend: capability.BackendGraphicsCompute,
				Chain: capability.Chain{
					capability.BackendGraphicsCompute,
					capability.BackendVectorizedLogic,
					capability.BackendLogic,
				},
			},
		},
		"LightCompute": {
			Host: fullHost,
			Task: scheduler.Task{Type: scheduler.TaskCompute, Complexity: 1024},
			Expected: scheduler.Plan{
				Backend: capability.BackendVectorizedLogic,
				Chain: capability.Chain{
					capability.BackendVectorizedLogic,
					capability.BackendLogic,
				},
			},
		},
		"Logic": {
			Host: fullHost,
			Task: scheduler.Task{Type: scheduler.TaskLogic},
			Expected: scheduler.Plan{
				Backend: capability.BackendLogic,
				Chain:   capability.Chain{capability.BackendLogic},
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			plan := scheduler.NewRouter(testCase.Host, 0).Plan(testCase.Task)
			if diff := cmp.Diff(testCase.Expected, plan); diff != "" {
				t.Errorf("unexpected plan (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScheduler_RenderingWithoutGraphicsFails(t *testing.T) {
	s, err := scheduler.New(nil, capability.Set{Logic: true}, scheduler.Options{})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), scheduler.Task{Name: "frame", Type: scheduler.TaskRendering}, scheduler.Implementations{
		capability.BackendLogic: succeed("software"),
	})
	require.ErrorIs(t, err, scheduler.ErrAllBackendsFailed)
}

func TestScheduler_ExecuteBatch(t *testing.T) {
	registry := prometheus.NewRegistry()
	s, err := scheduler.New(nil, fullHost, scheduler.Options{Registerer: registry})
	require.NoError(t, err)

	var running, peak atomic.Int32
	implementations := scheduler.Implementations{
		capability.BackendAcceleratorNPU: fail("npu busy"),
		capability.BackendLogic: func(ctx context.Context, task scheduler.Task) (any, error) {
			current := running.Add(1)
			defer running.Add(-1)
			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}
			return task.Name, nil
		},
	}

	tasks := []scheduler.Task{
		{Name: "a", Type: scheduler.TaskAI},
		{Name: "b", Type: scheduler.TaskLogic},
		{Name: "c", Type: scheduler.TaskAI},
		{Name: "d", Type: scheduler.TaskCompute},
	}

	results, err := s.ExecuteBatch(context.Background(), tasks, implementations, 2)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for index, task := range tasks {
		require.Equal(t, task.Name, results[index].Output)
		require.Equal(t, capability.BackendLogic, results[index].Backend)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))

	// npu failures, gpu and vectorized-logic skips, logic successes
	series, err := testutil.GatherAndCount(registry, "confluence_scheduler_attempts_total")
	require.NoError(t, err)
	require.Equal(t, 4, series)
}

func TestScheduler_ExecuteBatchReportsFailure(t *testing.T) {
	s, err := scheduler.New(nil, capability.Set{Logic: true}, scheduler.Options{})
	require.NoError(t, err)

	results, err := s.ExecuteBatch(context.Background(), []scheduler.Task{
		{Name: "ok", Type: scheduler.TaskLogic},
		{Name: "frame", Type: scheduler.TaskRendering},
	}, scheduler.Implementations{capability.BackendLogic: succeed("done")}, 0)
	require.ErrorIs(t, err, scheduler.ErrAllBackendsFailed)
	require.Equal(t, "done", results[0].Output)
	require.Nil(t, results[1].Output)
}

func TestScheduler_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	_, err := scheduler.New(nil, fullHost, scheduler.Options{Registerer: registry})
	require.NoError(t, err)
	_, err = scheduler.New(nil, fullHost, scheduler.Options{Registerer: registry})
	require.NoError(t, err)
}

func TestParseTaskType(t *testing.T) {
	for _, taskType := range []scheduler.TaskType{scheduler.TaskRendering, scheduler.TaskCompute, scheduler.TaskAI, scheduler.TaskLogic} {
		parsed, err := scheduler.ParseTaskType(taskType.String())
		require.NoError(t, err)
		require.Equal(t, taskType, parsed)
	}

	_, err := scheduler.ParseTaskType("physics")
	require.Error(t, err)
}
