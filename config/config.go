package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/confluence/arena"
	"github.com/vkngwrapper/confluence/budget"
	"github.com/vkngwrapper/confluence/capability"
	"github.com/vkngwrapper/confluence/devpool"
	"github.com/vkngwrapper/confluence/memutils"
	"github.com/vkngwrapper/confluence/scheduler"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultAlignment is the alignment used for regions when a caller passes 0
	DefaultAlignment uint = 16
	// DefaultPoolMaxAge is how long a pooled device buffer may sit unused before cleanup evicts it
	DefaultPoolMaxAge = 30 * time.Second
)

// Config holds every tunable of a coordinator
type Config struct {
	Arena        ArenaConfig      `json:"arena"`
	Budget       BudgetConfig     `json:"budget"`
	Access       AccessConfig     `json:"access"`
	Pool         PoolConfig       `json:"pool"`
	Scheduler    SchedulerConfig  `json:"scheduler"`
	Capabilities CapabilityConfig `json:"capabilities"`
}

type ArenaConfig struct {
	// Capacity is the size of the backing buffer in bytes
	Capacity int `json:"capacity"`
	// Alignment is the alignment used when a region is requested without one
	Alignment uint `json:"alignment"`
	// SlackThreshold is the most surplus bytes absorbed into a reused region
	SlackThreshold int `json:"slackThreshold"`
	// ExternallySynchronized turns off the arena's and the pool's internal locking
	ExternallySynchronized bool `json:"externallySynchronized,omitempty"`
}

type BudgetConfig struct {
	// Total is the total budget in bytes. 0 uses the arena capacity.
	Total int `json:"total,omitempty"`
	// Split maps category names to their percentage of the total. Empty uses budget.DefaultSplit.
	Split map[string]float64 `json:"split,omitempty"`
}

type AccessConfig struct {
	// StrictLogicReads makes logic-role reads wait for writers
	StrictLogicReads bool `json:"strictLogicReads,omitempty"`
}

type PoolConfig struct {
	MaxBuffersPerKey int      `json:"maxBuffersPerKey"`
	MaxAge           Duration `json:"maxAge"`
}

type SchedulerConfig struct {
	// ComplexityThreshold is the complexity above which compute tasks may use the graphics backend
	ComplexityThreshold int `json:"complexityThreshold"`
	// BatchLimit is the most tasks ExecuteBatch runs at once. 0 means no limit.
	BatchLimit int `json:"batchLimit,omitempty"`
}

type CapabilityConfig struct {
	// Disable lists backends that are never used, even if the host has them
	Disable []string `json:"disable,omitempty"`
	// DisableSharedMemory ignores device support for importing host memory
	DisableSharedMemory bool `json:"disableSharedMemory,omitempty"`
}

// Duration is a time.Duration written as a Go duration string, such as "30s"
type Duration time.Duration

// Duration returns the value as a time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return errors.Wrap(err, "duration must be a string such as \"30s\"")
	}

	parsed, err := time.ParseDuration(text)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}

	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Arena: ArenaConfig{
			Capacity:       arena.DefaultCapacity,
			Alignment:      DefaultAlignment,
			SlackThreshold: arena.DefaultSlackThreshold,
		},
		Pool: PoolConfig{
			MaxBuffersPerKey: devpool.DefaultMaxBuffersPerKey,
			MaxAge:           Duration(DefaultPoolMaxAge),
		},
		Scheduler: SchedulerConfig{
			ComplexityThreshold: scheduler.DefaultComplexityThreshold,
		},
	}
}

// Parse reads a YAML document over the defaults and validates the result. Unknown fields
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse configuration")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads and parses the YAML configuration file at path
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read configuration %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "configuration %s", path)
	}
	return cfg, nil
}

// Marshal writes the configuration as YAML
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports every problem with the configuration at once
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Arena.Capacity <= 0 {
		result = multierror.Append(result, errors.Newf("arena.capacity must be positive, got %d", c.Arena.Capacity))
	}
	if err := memutils.CheckPow2(c.Arena.Alignment, "arena.alignment"); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Arena.SlackThreshold < 0 {
		result = multierror.Append(result, errors.Newf("arena.slackThreshold must not be negative, got %d", c.Arena.SlackThreshold))
	}

	if c.Budget.Total < 0 {
		result = multierror.Append(result, errors.Newf("budget.total must not be negative, got %d", c.Budget.Total))
	}
	if _, err := c.BudgetSplit(); err != nil {
		result = multierror.Append(result, err)
	}

	if c.Pool.MaxBuffersPerKey < 0 {
		result = multierror.Append(result, errors.Newf("pool.maxBuffersPerKey must not be negative, got %d", c.Pool.MaxBuffersPerKey))
	}
	if c.Pool.MaxAge < 0 {
		result = multierror.Append(result, errors.Newf("pool.maxAge must not be negative, got %s", time.Duration(c.Pool.MaxAge)))
	}

	if c.Scheduler.ComplexityThreshold < 0 {
		result = multierror.Append(result, errors.Newf("scheduler.complexityThreshold must not be negative, got %d", c.Scheduler.ComplexityThreshold))
	}
	if c.Scheduler.BatchLimit < 0 {
		result = multierror.Append(result, errors.Newf("scheduler.batchLimit must not be negative, got %d", c.Scheduler.BatchLimit))
	}

	if _, err := c.CapabilityMask(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// BudgetTotal returns the total budget in bytes
func (c Config) BudgetTotal() int {
	if c.Budget.Total == 0 {
		return c.Arena.Capacity
	}
	return c.Budget.Total
}

// BudgetSplit converts the configured split into a budget.Split
func (c Config) BudgetSplit() (budget.Split, error) {
	if len(c.Budget.Split) == 0 {
		return budget.DefaultSplit(), nil
	}

	var result *multierror.Error
	split := make(budget.Split, len(c.Budget.Split))
	for name, percent := range c.Budget.Split {
		category, err := budget.ParseCategory(name)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "budget.split"))
			continue
		}
		split[category] = percent
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	if err := split.Validate(); err != nil {
		return nil, errors.Wrap(err, "budget.split")
	}
	return split, nil
}

// CapabilityMask converts the disabled backends into a capability.Mask
func (c Config) CapabilityMask() (capability.Mask, error) {
	mask := capability.Mask{SharedMemory: c.Capabilities.DisableSharedMemory}

	var result *multierror.Error
	for _, name := range c.Capabilities.Disable {
		backend, err := capability.ParseBackend(name)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "capabilities.disable"))
			continue
		}

		switch backend {
		case capability.BackendAcceleratorNPU:
			mask.AcceleratorNPU = true
		case capability.BackendAcceleratorGPU:
			mask.AcceleratorGPU = true
		case capability.BackendGraphicsCompute:
			mask.GraphicsCompute = true
		case capability.BackendVectorizedLogic:
			mask.VectorizedLogic = true
		case capability.BackendLogic:
			result = multierror.Append(result, errors.New("capabilities.disable: the logic backend cannot be disabled"))
		}
	}

	return mask, result.ErrorOrNil()
}
