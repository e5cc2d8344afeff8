package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/confluence/capability"
	"github.com/vkngwrapper/confluence/internal/utils"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Implementation runs a task on one backend
type Implementation func(ctx context.Context, task Task) (any, error)

// Implementations maps each backend to the implementation of a task for it. Backends may be
// omitted; they are skipped when the chain reaches them.
type Implementations map[capability.Backend]Implementation

// Result is the outcome of a task that some backend ran successfully
type Result struct {
	Backend capability.Backend
	Output  any
	// Failures lists the backends that failed before Backend succeeded
	Failures []Attempt
}

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

// Options contains optional settings when creating a Scheduler
type Options struct {
	// ComplexityThreshold is the complexity above which compute tasks are offered to the
	// graphics backend. 0 uses DefaultComplexityThreshold.
	ComplexityThreshold int
	// Registerer receives the scheduler's attempt counters. Metrics are not exported if nil.
	Registerer prometheus.Registerer
}

// Scheduler routes tasks to backends and runs them, falling back along the task's chain
// when a backend fails
type Scheduler struct {
	logger   *slog.Logger
	router   *Router
	attempts *prometheus.CounterVec
}

// New creates a Scheduler for the host described by set
func New(logger *slog.Logger, set capability.Set, options Options) (*Scheduler, error) {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confluence_scheduler_attempts_total",
		Help: "Task attempts per backend, by outcome.",
	}, []string{"backend", "outcome"})

	if options.Registerer != nil {
		if err := options.Registerer.Register(attempts); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, errors.Wrap(err, "failed to register scheduler metrics")
			}
			attempts = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &Scheduler{
		logger:   utils.LoggerOrNop(logger),
		router:   NewRouter(set, options.ComplexityThreshold),
		attempts: attempts,
	}, nil
}

// Router returns the scheduler's router
func (s *Scheduler) Router() *Router { return s.router }

// Plan returns the routing decision for the task
func (s *Scheduler) Plan(task Task) Plan { return s.router.Plan(task) }

// Execute plans the task and runs it along its chain
func (s *Scheduler) Execute(ctx context.Context, task Task, implementations Implementations) (Result, error) {
	plan := s.router.Plan(task)
	s.logger.Debug("Scheduler::Execute",
		slog.String("Task", task.Name),
		slog.String("Type", task.Type.String()),
		slog.String("Chain", plan.Chain.String()))

	return s.executeChain(ctx, plan.Chain, task, implementations)
}

// ExecuteBatch runs every task concurrently, at most limit at a time (no limit if limit is 0 or
// less). Each task still falls back sequentially along its own chain. The result for task i is
// results[i]; a task that failed leaves a zero Result. The returned error is the first failure.
func (s *Scheduler) ExecuteBatch(ctx context.Context, tasks []Task, implementations Implementations, limit int) ([]Result, error) {
	s.logger.Debug("Scheduler::ExecuteBatch", slog.Int("Tasks", len(tasks)), slog.Int("Limit", limit))

	results := make([]Result, len(tasks))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for index := range tasks {
		index := index
		g.Go(func() error {
			result, err := s.Execute(ctx, tasks[index], implementations)
			if err != nil {
				return err
			}
			results[index] = result
			return nil
		})
	}

	return results, g.Wait()
}

// ExecuteChain runs the task on each backend of the chain in order until one succeeds.
// Backends without an implementation are skipped. Each failure is recorded, including panics
// raised by an implementation. Attempts never overlap, and ctx is only checked between them.
func ExecuteChain(ctx context.Context, chain capability.Chain, task Task, implementations Implementations) (Result, error) {
	s := &Scheduler{logger: utils.NopLogger()}
	return s.executeChain(ctx, chain, task, implementations)
}

func (s *Scheduler) executeChain(ctx context.Context, chain capability.Chain, task Task, implementations Implementations) (Result, error) {
	var failures []Attempt

	for _, backend := range chain {
		implementation, ok := implementations[backend]
		if !ok || implementation == nil {
			s.count(backend, outcomeSkipped)
			continue
		}

		if err := ctx.Err(); err != nil {
			return Result{}, errors.Wrapf(err, "task %q cancelled before trying %s", task.Name, backend)
		}

		output, err := runAttempt(ctx, implementation, task)
		if err == nil {
			s.count(backend, outcomeSuccess)
			return Result{
				Backend:  backend,
				Output:   output,
				Failures: failures,
			}, nil
		}

		s.count(backend, outcomeFailure)
		s.logger.LogAttrs(ctx, slog.LevelWarn, "backend failed, falling back",
			slog.String("Task", task.Name),
			slog.String("Backend", backend.String()),
			slog.Any("Error", err))

		failures = append(failures, Attempt{
			Backend: backend,
			Err:     errors.Mark(errors.Wrapf(err, "backend %s", backend), ErrBackendExecution),
		})
	}

	return Result{}, &AllBackendsFailedError{
		Task:     task.Name,
		Attempts: failures,
	}
}

func runAttempt(ctx context.Context, implementation Implementation, task Task) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("implementation panicked: %v", r)
		}
	}()

	return implementation(ctx, task)
}

func (s *Scheduler) count(backend capability.Backend, outcome string) {
	if s.attempts == nil {
		return
	}
	s.attempts.WithLabelValues(backend.String(), outcome).Inc()
}
