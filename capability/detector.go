package capability

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/confluence/internal/utils"
	"golang.org/x/exp/slog"
)

// Detector probes the host once and caches the result. The host is assumed not to gain or lose
// devices while the process runs.
type Detector struct {
	logger *slog.Logger
	probes []Probe
	mask   Mask

	once sync.Once
	set  Set
}

// NewDetector creates a Detector that merges the results of every probe and then applies mask
func NewDetector(logger *slog.Logger, mask Mask, probes ...Probe) *Detector {
	return &Detector{
		logger: utils.LoggerOrNop(logger),
		probes: probes,
		mask:   mask,
	}
}

// Detect runs every probe on first call and returns the cached set on every call after. A probe
// that fails or panics contributes nothing; detection itself never fails.
func (d *Detector) Detect(ctx context.Context) Set {
	d.once.Do(func() {
		d.logger.Debug("Detector::Detect")

		set := Set{Logic: true, LogicThreads: 1}
		for index, probe := range d.probes {
			probed, err := runProbe(ctx, probe)
			if err != nil {
				d.logger.LogAttrs(ctx, slog.LevelWarn, "capability probe failed",
					slog.Int("Probe", index),
					slog.Any("Error", err))
				continue
			}

			set = set.Merge(probed)
		}

		d.set = d.mask.Apply(set)
		d.logger.LogAttrs(ctx, slog.LevelInfo, "capabilities detected",
			slog.Bool("GraphicsCompute", d.set.GraphicsCompute),
			slog.Bool("AcceleratorNPU", d.set.AcceleratorNPU),
			slog.Bool("AcceleratorGPU", d.set.AcceleratorGPU),
			slog.Bool("VectorizedLogic", d.set.VectorizedLogic),
			slog.Int("LogicThreads", d.set.LogicThreads),
			slog.Bool("SharedMemory", d.set.SharedMemory))
	})

	return d.set
}

func runProbe(ctx context.Context, probe Probe) (set Set, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("probe panicked: %v", r)
		}
	}()

	return probe.Probe(ctx)
}
