package scheduler

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/confluence/capability"
)

// TaskType decides which backends a task may be routed to
type TaskType int

const (
	TaskRendering TaskType = iota
	TaskCompute
	TaskAI
	TaskLogic
)

var taskTypeMapping = make(map[TaskType]string)

func (t TaskType) String() string {
	return taskTypeMapping[t]
}

func init() {
	taskTypeMapping[TaskRendering] = "rendering"
	taskTypeMapping[TaskCompute] = "compute"
	taskTypeMapping[TaskAI] = "ai"
	taskTypeMapping[TaskLogic] = "logic"
}

// ParseTaskType converts a task type name, as returned by TaskType.String, back into a TaskType
func ParseTaskType(name string) (TaskType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for taskType, typeName := range taskTypeMapping {
		if typeName == name {
			return taskType, nil
		}
	}

	return 0, errors.Newf("unknown task type: %q", name)
}

// Task is a unit of work to run on one backend. The payload is passed to implementations
// untouched.
type Task struct {
	Name string
	Type TaskType
	// Complexity is a caller-supplied estimate of the work involved. Compute tasks more complex
	// than the router's threshold are offered to the graphics backend.
	Complexity int
	Payload    any
}

// Plan is the routing decision for a task
type Plan struct {
	// Backend is the preferred backend, the head of Chain
	Backend capability.Backend
	// Tier is the accelerator tier available to AI tasks
	Tier capability.Tier
	// Chain is every backend the task may run on, in the order they are tried. It is empty when
	// the task can only run on a backend the host lacks.
	Chain capability.Chain
}
