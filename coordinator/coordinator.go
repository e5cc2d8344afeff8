package coordinator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/confluence/access"
	"github.com/vkngwrapper/confluence/arena"
	"github.com/vkngwrapper/confluence/budget"
	"github.com/vkngwrapper/confluence/capability"
	"github.com/vkngwrapper/confluence/config"
	"github.com/vkngwrapper/confluence/devpool"
	"github.com/vkngwrapper/confluence/internal/utils"
	"github.com/vkngwrapper/confluence/memutils"
	"github.com/vkngwrapper/confluence/scheduler"
	"golang.org/x/exp/slog"
)

// Options contains the collaborators a Coordinator is built from
type Options struct {
	// Probes report the host's backends. capability.HostProbe is always added.
	Probes []capability.Probe
	// BufferFactory creates device buffers. If nil, the coordinator has no device buffer pool.
	BufferFactory devpool.Factory
	// Registerer receives the coordinator's metrics. Metrics are not exported if nil.
	Registerer prometheus.Registerer
}

// Allocation is a region of the shared arena charged to a budget category
type Allocation struct {
	Region   arena.Region
	Category budget.Category
	// Requested is the size the caller asked for
	Requested int
	// Charged is the size charged to the category's budget
	Charged int
}

// Coordinator owns the shared arena and everything that governs it: the budget ledger consulted
// before each allocation, the arbitrator authorizing access to regions, the device buffer pool,
// and the scheduler that runs tasks across the host's backends.
type Coordinator struct {
	logger *slog.Logger
	cfg    config.Config

	capabilities capability.Set
	arena        *arena.Arena
	ledger       *budget.Ledger
	arbitrator   *access.Arbitrator
	scheduler    *scheduler.Scheduler
	pool         *devpool.Pool
}

// New detects the host's capabilities and builds a Coordinator from the configuration
func New(logger *slog.Logger, cfg config.Config, options Options) (*Coordinator, error) {
	logger = utils.LoggerOrNop(logger)
	logger.Debug("Coordinator::New")

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	mask, err := cfg.CapabilityMask()
	if err != nil {
		return nil, err
	}
	split, err := cfg.BudgetSplit()
	if err != nil {
		return nil, err
	}

	probes := append([]capability.Probe{capability.HostProbe{}}, options.Probes...)
	capabilities := capability.NewDetector(logger, mask, probes...).Detect(context.Background())

	c := &Coordinator{
		logger:       logger,
		cfg:          cfg,
		capabilities: capabilities,
		arbitrator: access.New(logger, access.Options{
			StrictLogicReads: cfg.Access.StrictLogicReads,
		}),
	}

	c.arena, err = arena.New(logger, arena.Options{
		Capacity:               cfg.Arena.Capacity,
		SlackThreshold:         cfg.Arena.SlackThreshold,
		ExternallySynchronized: cfg.Arena.ExternallySynchronized,
	})
	if err != nil {
		return nil, err
	}

	c.ledger, err = budget.NewLedger(logger, cfg.BudgetTotal(), split)
	if err != nil {
		return nil, err
	}

	c.scheduler, err = scheduler.New(logger, capabilities, scheduler.Options{
		ComplexityThreshold: cfg.Scheduler.ComplexityThreshold,
		Registerer:          options.Registerer,
	})
	if err != nil {
		return nil, err
	}

	if options.BufferFactory != nil {
		c.pool, err = devpool.New(logger, options.BufferFactory, devpool.Options{
			MaxBuffersPerKey:       cfg.Pool.MaxBuffersPerKey,
			ExternallySynchronized: cfg.Arena.ExternallySynchronized,
		})
		if err != nil {
			return nil, err
		}
	}

	if options.Registerer != nil {
		if err := options.Registerer.Register(c.ledger.Collector()); err != nil {
			return nil, errors.Wrap(err, "failed to register budget metrics")
		}
		if c.pool != nil {
			if err := options.Registerer.Register(c.pool.Collector()); err != nil {
				return nil, errors.Wrap(err, "failed to register device pool metrics")
			}
		}
	}

	return c, nil
}

// AllocateRegion charges the category's budget and then carves a region out of the arena.
// If the arena cannot hold the region, the charge is rolled back. An alignment of 0 uses the
// configured default alignment.
func (c *Coordinator) AllocateRegion(category budget.Category, size int, alignment uint) (Allocation, error) {
	c.logger.Debug("Coordinator::AllocateRegion",
		slog.String("Category", category.String()),
		slog.Int("Size", size),
		slog.Uint64("Alignment", uint64(alignment)))

	if !category.Valid() {
		return Allocation{}, errors.Newf("unknown budget category: %d", int(category))
	}
	if size < 1 {
		return Allocation{}, errors.Newf("invalid region size: %d", size)
	}
	if alignment == 0 {
		alignment = c.cfg.Arena.Alignment
	}
	if err := memutils.CheckPow2(alignment, "region alignment"); err != nil {
		return Allocation{}, err
	}

	if size > c.arena.Capacity() {
		return Allocation{}, errors.Wrapf(arena.ErrOutOfMemory, "requested %d bytes from a %d byte buffer", size, c.arena.Capacity())
	}

	charged := memutils.AlignUp(size, alignment)
	if err := c.ledger.Allocate(category, charged); err != nil {
		return Allocation{}, err
	}

	region, err := c.arena.Allocate(size, alignment)
	if err != nil {
		c.ledger.Deallocate(category, charged)
		return Allocation{}, err
	}

	return Allocation{
		Region:    region,
		Category:  category,
		Requested: size,
		Charged:   charged,
	}, nil
}

// FreeRegion returns the allocation's region to the arena and credits its budget category.
// It fails without freeing anything if the region is still being accessed. An acquire that
// races with FreeRegion may succeed on the freed offset; callers should not access a region
// they are freeing.
func (c *Coordinator) FreeRegion(allocation Allocation) error {
	c.logger.Debug("Coordinator::FreeRegion",
		slog.String("Category", allocation.Category.String()),
		slog.Int("Offset", allocation.Region.Offset))

	if err := c.arbitrator.Forget(allocation.Region.Offset); err != nil {
		return err
	}

	if err := c.arena.Deallocate(allocation.Region.Offset, allocation.Requested); err != nil {
		return err
	}

	c.ledger.Deallocate(allocation.Category, allocation.Charged)
	return nil
}

// WithRegion runs fn with the allocation's bytes once the role holds the requested access, and
// releases the access when fn returns or panics. The bytes are a view of the arena and must not
// be retained after fn returns.
func (c *Coordinator) WithRegion(ctx context.Context, allocation Allocation, role access.Role, mode access.Mode, fn func(data []byte) error) error {
	offset := allocation.Region.Offset

	var err error
	if mode == access.ModeWrite {
		err = c.arbitrator.AcquireWrite(ctx, offset, role)
	} else {
		err = c.arbitrator.AcquireRead(ctx, offset, role)
	}
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := c.arbitrator.Release(offset, role, mode); releaseErr != nil {
			c.logger.LogAttrs(ctx, slog.LevelError, "failed to release region",
				slog.Int("Offset", offset),
				slog.String("Role", role.String()),
				slog.Any("Error", releaseErr))
		}
	}()

	return fn(c.arena.Bytes(allocation.Region))
}

// Execute routes the task and runs it along its fallback chain
func (c *Coordinator) Execute(ctx context.Context, task scheduler.Task, implementations scheduler.Implementations) (scheduler.Result, error) {
	return c.scheduler.Execute(ctx, task, implementations)
}

// ExecuteBatch runs the tasks concurrently, bounded by the configured batch limit
func (c *Coordinator) ExecuteBatch(ctx context.Context, tasks []scheduler.Task, implementations scheduler.Implementations) ([]scheduler.Result, error) {
	return c.scheduler.ExecuteBatch(ctx, tasks, implementations, c.cfg.Scheduler.BatchLimit)
}

// Plan returns the routing decision for the task without running it
func (c *Coordinator) Plan(task scheduler.Task) scheduler.Plan {
	return c.scheduler.Plan(task)
}

// Capabilities returns the host's detected capabilities
func (c *Coordinator) Capabilities() capability.Set { return c.capabilities }

// Chain returns the host's full fallback chain
func (c *Coordinator) Chain() capability.Chain { return c.scheduler.Router().Chain() }

// Usage returns the percentage of the category's quota in use
func (c *Coordinator) Usage(category budget.Category) float64 { return c.ledger.Usage(category) }

// Report returns the usage of every budget category
func (c *Coordinator) Report() []budget.CategoryUsage { return c.ledger.Report() }

// Arena returns the shared arena
func (c *Coordinator) Arena() *arena.Arena { return c.arena }

// Arbitrator returns the region access arbitrator
func (c *Coordinator) Arbitrator() *access.Arbitrator { return c.arbitrator }

// Pool returns the device buffer pool, or nil if no buffer factory was provided
func (c *Coordinator) Pool() *devpool.Pool { return c.pool }

// CleanupPool evicts pooled device buffers unused for longer than the configured maximum age
func (c *Coordinator) CleanupPool() int {
	if c.pool == nil {
		return 0
	}
	return c.pool.CleanupOldBuffers(c.cfg.Pool.MaxAge.Duration())
}

// WriteStatsJSON writes the state of the arena, budget, and device pool as one json object
func (c *Coordinator) WriteStatsJSON(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	capabilities := objState.Name("Capabilities").Object()
	capabilities.Name("Chain").String(c.Chain().String())
	capabilities.Name("AcceleratorTier").String(c.capabilities.Tier().String())
	capabilities.Name("LogicThreads").Int(c.capabilities.LogicThreads)
	capabilities.Name("SharedMemory").Bool(c.capabilities.SharedMemory)
	capabilities.End()

	c.arena.PrintDetailedMap(objState.Name("Arena"))
	c.ledger.WriteJSON(objState.Name("Budget"))

	if c.pool != nil {
		c.pool.WriteJSON(objState.Name("DevicePool"))
	}
}

// Reset frees every region, clears the budget and forgets all access state. It must not race
// with any other method.
func (c *Coordinator) Reset() {
	c.logger.Debug("Coordinator::Reset")

	c.arena.Reset()
	c.ledger.Reset()
	c.arbitrator.Reset()
}

// Close destroys the device buffer pool
func (c *Coordinator) Close() {
	c.logger.Debug("Coordinator::Close")

	if c.pool != nil {
		c.pool.Destroy()
	}
}
