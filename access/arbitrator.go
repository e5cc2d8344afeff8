package access

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/confluence/internal/utils"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

var (
	// ErrNotHeld is returned from Release when the role does not hold the region in the released mode
	ErrNotHeld = errors.New("region is not held")
	// ErrRegionBusy is returned from Forget when the region is still being accessed
	ErrRegionBusy = errors.New("region is still being accessed")
)

// Options contains optional settings when creating an Arbitrator
type Options struct {
	// StrictLogicReads makes logic-role reads wait until no writer holds the region. By default
	// logic reads are not synchronized at all and may observe a write in progress.
	StrictLogicReads bool
	// ExternallySynchronized disables the mutex protecting the region slot table. Acquire and
	// release remain atomic, but the consumer must guarantee that slots are not created and
	// forgotten concurrently.
	ExternallySynchronized bool
}

// Arbitrator authorizes access to regions of the shared arena. Each region, identified by its
// offset, has one atomic access word; acquiring and releasing access is a compare-and-swap on
// that word. Regions need no registration: a slot is created the first time a region is seen.
type Arbitrator struct {
	logger      *slog.Logger
	strictReads bool
	contention  rate.Sometimes

	slotsMutex utils.OptionalRWMutex
	slots      *swiss.Map[int, *atomic.Uint32]
}

// New creates an Arbitrator with every region idle
func New(logger *slog.Logger, options Options) *Arbitrator {
	return &Arbitrator{
		logger:      utils.LoggerOrNop(logger),
		strictReads: options.StrictLogicReads,
		contention:  rate.Sometimes{Interval: time.Second},
		slotsMutex:  utils.OptionalRWMutex{UseMutex: !options.ExternallySynchronized},
		slots:       swiss.NewMap[int, *atomic.Uint32](64),
	}
}

func (a *Arbitrator) slot(region int) *atomic.Uint32 {
	a.slotsMutex.RLock()
	word, ok := a.slots.Get(region)
	a.slotsMutex.RUnlock()
	if ok {
		return word
	}

	a.slotsMutex.Lock()
	defer a.slotsMutex.Unlock()

	word, ok = a.slots.Get(region)
	if !ok {
		word = &atomic.Uint32{}
		a.slots.Put(region, word)
	}
	return word
}

// TryAcquireWrite makes a single attempt to move the region from idle to the role's writing
// state. It returns false if the region is held by anyone.
func (a *Arbitrator) TryAcquireWrite(region int, role Role) bool {
	target := pack(writingState(role), 0)
	return a.slot(region).CompareAndSwap(pack(StateIdle, 0), target)
}

// TryAcquireRead makes a single attempt to enter the role's reading state. It succeeds when the
// region is idle or already being read by the same role. Logic reads do not change the state
// and always succeed, unless StrictLogicReads is set and a writer holds the region.
func (a *Arbitrator) TryAcquireRead(region int, role Role) bool {
	word := a.slot(region)

	if role == RoleLogic {
		if !a.strictReads {
			return true
		}
		state, _ := unpack(word.Load())
		return !state.Writing()
	}

	reading := readingState(role)
	for {
		current := word.Load()
		state, readers := unpack(current)

		var target uint32
		switch state {
		case StateIdle:
			target = pack(reading, 1)
		case reading:
			target = pack(reading, readers+1)
		default:
			return false
		}

		if word.CompareAndSwap(current, target) {
			return true
		}
	}
}

// AcquireWrite blocks until the role holds exclusive access to the region, or ctx is done
func (a *Arbitrator) AcquireWrite(ctx context.Context, region int, role Role) error {
	a.logger.Debug("Arbitrator::AcquireWrite", slog.Int("Region", region), slog.String("Role", role.String()))
	return a.spin(ctx, region, role, ModeWrite, a.TryAcquireWrite)
}

// AcquireRead blocks until the role may read the region, or ctx is done. Logic reads hold
// nothing, and releasing them does nothing.
func (a *Arbitrator) AcquireRead(ctx context.Context, region int, role Role) error {
	a.logger.Debug("Arbitrator::AcquireRead", slog.Int("Region", region), slog.String("Role", role.String()))
	return a.spin(ctx, region, role, ModeRead, a.TryAcquireRead)
}

func (a *Arbitrator) spin(ctx context.Context, region int, role Role, mode Mode, attempt func(int, Role) bool) error {
	for !attempt(region, role) {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "waiting for %s access to region %d", mode, region)
		}

		a.contention.Do(func() {
			state, readers := a.State(region)
			a.logger.Debug("region access contended",
				slog.Int("Region", region),
				slog.String("Role", role.String()),
				slog.String("Mode", mode.String()),
				slog.String("State", state.String()),
				slog.Int("Readers", readers))
		})

		runtime.Gosched()
	}

	return nil
}

// Release gives up one hold the role acquired on the region in the given mode. A writer returns
// the region to idle; a reader returns it to idle only when it was the last reader. Releasing a
// hold the role does not have fails with ErrNotHeld and leaves the region untouched.
func (a *Arbitrator) Release(region int, role Role, mode Mode) error {
	if mode == ModeRead && role == RoleLogic {
		return nil
	}

	held := readingState
	if mode == ModeWrite {
		held = writingState
	}
	expected := held(role)

	word := a.slot(region)
	for {
		current := word.Load()
		state, readers := unpack(current)

		if state != expected {
			return errors.Wrapf(ErrNotHeld, "%s %s of region %d, which is in %s", role, mode, region, state)
		}

		target := pack(StateIdle, 0)
		if state.Reading() && readers > 1 {
			target = pack(state, readers-1)
		}

		if word.CompareAndSwap(current, target) {
			return nil
		}
	}
}

// State returns the region's current access state and the number of readers sharing it
func (a *Arbitrator) State(region int) (State, int) {
	a.slotsMutex.RLock()
	word, ok := a.slots.Get(region)
	a.slotsMutex.RUnlock()
	if !ok {
		return StateIdle, 0
	}

	state, readers := unpack(word.Load())
	return state, int(readers)
}

// Forget drops the region's slot once the region has been deallocated. It fails if the region
// is still held. The dropped slot is left forgotten, so an acquire racing with Forget fails its
// attempt on the old slot and retries on a fresh one.
func (a *Arbitrator) Forget(region int) error {
	a.slotsMutex.Lock()
	defer a.slotsMutex.Unlock()

	word, ok := a.slots.Get(region)
	if !ok {
		return nil
	}

	if !word.CompareAndSwap(pack(StateIdle, 0), pack(stateForgotten, 0)) {
		state, readers := unpack(word.Load())
		return errors.Wrapf(ErrRegionBusy, "region %d is in %s with %d readers", region, state, readers)
	}

	a.slots.Delete(region)
	return nil
}

// Reset drops every slot. It must not race with any other method.
func (a *Arbitrator) Reset() {
	a.slotsMutex.Lock()
	defer a.slotsMutex.Unlock()

	a.slots = swiss.NewMap[int, *atomic.Uint32](64)
}
