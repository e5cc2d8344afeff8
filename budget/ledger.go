package budget

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/confluence/internal/utils"
	"golang.org/x/exp/slog"
)

// ErrBudgetExceeded is returned from Ledger.Allocate when a category's quota cannot hold the request
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// CategoryUsage is one line of a budget report
type CategoryUsage struct {
	Category  Category
	Quota     int
	Allocated int
	Percent   float64
}

// Ledger tracks bytes allocated per category against quotas carved out of a total budget. It
// does not hand out memory itself: it is consulted before the arena is, and credited when
// memory is returned.
type Ledger struct {
	logger *slog.Logger
	total  int

	quotas    [categoryCount]int
	allocated [categoryCount]atomic.Int64
}

// NewLedger creates a Ledger with a total budget of total bytes, divided between categories
// according to split. Categories missing from the split receive no quota.
func NewLedger(logger *slog.Logger, total int, split Split) (*Ledger, error) {
	if total < 0 {
		return nil, errors.Newf("invalid total budget: %d", total)
	}
	if err := split.Validate(); err != nil {
		return nil, err
	}

	ledger := &Ledger{
		logger: utils.LoggerOrNop(logger),
		total:  total,
	}

	for category, percent := range split {
		ledger.quotas[category] = int(float64(total) * percent / 100)
	}

	return ledger, nil
}

func (l *Ledger) checkCategory(category Category) {
	if !category.Valid() {
		panic(fmt.Sprintf("unknown budget category: %d", int(category)))
	}
}

// Total returns the total budget in bytes
func (l *Ledger) Total() int { return l.total }

// Quota returns the most bytes the category may hold at once
func (l *Ledger) Quota(category Category) int {
	l.checkCategory(category)
	return l.quotas[category]
}

// Allocated returns the bytes currently charged to the category
func (l *Ledger) Allocated(category Category) int {
	l.checkCategory(category)
	return int(l.allocated[category].Load())
}

// CanAllocate returns true if size more bytes would currently fit in the category's quota.
// The answer may be stale by the time Allocate is called.
func (l *Ledger) CanAllocate(category Category, size int) bool {
	l.checkCategory(category)
	if size < 0 {
		return false
	}
	return int64(size) <= int64(l.quotas[category])-l.allocated[category].Load()
}

// Allocate charges size bytes to the category, or fails with ErrBudgetExceeded without charging
// anything if the category's quota cannot hold them
func (l *Ledger) Allocate(category Category, size int) error {
	l.checkCategory(category)
	l.logger.Debug("Ledger::Allocate", slog.String("Category", category.String()), slog.Int("Size", size))

	if size < 0 {
		return errors.Newf("invalid allocation size: %d", size)
	}

	quota := int64(l.quotas[category])
	for {
		currentVal := l.allocated[category].Load()

		if int64(size) > quota-currentVal {
			return errors.Wrapf(ErrBudgetExceeded, "category %s: %d bytes allocated, %d requested, quota is %d",
				category, currentVal, size, quota)
		}

		if l.allocated[category].CompareAndSwap(currentVal, currentVal+int64(size)) {
			return nil
		}
	}
}

// Deallocate credits size bytes back to the category. The charge never drops below zero;
// over-crediting is logged.
func (l *Ledger) Deallocate(category Category, size int) {
	l.checkCategory(category)
	l.logger.Debug("Ledger::Deallocate", slog.String("Category", category.String()), slog.Int("Size", size))

	for {
		currentVal := l.allocated[category].Load()
		targetVal := currentVal - int64(size)

		if targetVal < 0 {
			l.logger.Warn("budget category credited more than was charged",
				slog.String("Category", category.String()),
				slog.Int64("Allocated", currentVal),
				slog.Int("Size", size))
			targetVal = 0
		}

		if l.allocated[category].CompareAndSwap(currentVal, targetVal) {
			return
		}
	}
}

// Reset drops every charge
func (l *Ledger) Reset() {
	l.logger.Debug("Ledger::Reset")

	for category := range l.allocated {
		l.allocated[category].Store(0)
	}
}

// Usage returns the percentage of the category's quota currently in use, between 0 and 100
func (l *Ledger) Usage(category Category) float64 {
	l.checkCategory(category)
	return usagePercent(int(l.allocated[category].Load()), l.quotas[category])
}

func usagePercent(allocated, quota int) float64 {
	if quota <= 0 || allocated <= 0 {
		return 0
	}

	percent := float64(allocated) * 100 / float64(quota)
	if percent > 100 {
		return 100
	}
	return percent
}

// Report returns the usage of every category in declaration order
func (l *Ledger) Report() []CategoryUsage {
	report := make([]CategoryUsage, 0, categoryCount)
	for _, category := range Categories() {
		allocated := int(l.allocated[category].Load())
		report = append(report, CategoryUsage{
			Category:  category,
			Quota:     l.quotas[category],
			Allocated: allocated,
			Percent:   usagePercent(allocated, l.quotas[category]),
		})
	}
	return report
}

// WriteJSON writes the budget report as a json object keyed by category name
func (l *Ledger) WriteJSON(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(l.total)

	categories := objState.Name("Categories").Object()
	defer categories.End()

	for _, usage := range l.Report() {
		categoryObj := categories.Name(usage.Category.String()).Object()
		categoryObj.Name("QuotaBytes").Int(usage.Quota)
		categoryObj.Name("AllocatedBytes").Int(usage.Allocated)
		categoryObj.Name("UsagePercent").Float64(usage.Percent)
		categoryObj.End()
	}
}
