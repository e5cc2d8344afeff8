package access

import "fmt"

// Role identifies which backend is asking for access to a region
type Role int

const (
	// RoleLogic is the general purpose logic processor
	RoleLogic Role = iota
	// RoleGraphics is the parallel graphics/compute processor
	RoleGraphics
	// RoleAccelerator is the inference accelerator
	RoleAccelerator
)

var roleMapping = make(map[Role]string)

func (r Role) String() string {
	return roleMapping[r]
}

func init() {
	roleMapping[RoleLogic] = "logic"
	roleMapping[RoleGraphics] = "graphics"
	roleMapping[RoleAccelerator] = "accelerator"
}

// Mode is the kind of access requested
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// State is the access state of a single region. A writing state excludes every other
// access. A reading state may be shared by any number of readers with the same role.
type State uint8

const (
	StateIdle State = iota
	StateLogicWriting
	StateGraphicsReading
	StateGraphicsWriting
	StateAcceleratorReading
	StateAcceleratorWriting

	stateForgotten = State(stateMask)
)

var stateMapping = make(map[State]string)

func (s State) String() string {
	return stateMapping[s]
}

func init() {
	stateMapping[StateIdle] = "StateIdle"
	stateMapping[StateLogicWriting] = "StateLogicWriting"
	stateMapping[StateGraphicsReading] = "StateGraphicsReading"
	stateMapping[StateGraphicsWriting] = "StateGraphicsWriting"
	stateMapping[StateAcceleratorReading] = "StateAcceleratorReading"
	stateMapping[StateAcceleratorWriting] = "StateAcceleratorWriting"
	stateMapping[stateForgotten] = "stateForgotten"
}

// Writing returns true for the states that exclude all other access
func (s State) Writing() bool {
	return s == StateLogicWriting || s == StateGraphicsWriting || s == StateAcceleratorWriting
}

// Reading returns true for the shared reading states
func (s State) Reading() bool {
	return s == StateGraphicsReading || s == StateAcceleratorReading
}

func writingState(role Role) State {
	switch role {
	case RoleLogic:
		return StateLogicWriting
	case RoleGraphics:
		return StateGraphicsWriting
	case RoleAccelerator:
		return StateAcceleratorWriting
	}

	panic(fmt.Sprintf("unknown access role: %d", int(role)))
}

func readingState(role Role) State {
	switch role {
	case RoleGraphics:
		return StateGraphicsReading
	case RoleAccelerator:
		return StateAcceleratorReading
	}

	panic(fmt.Sprintf("role %s has no reading state", role))
}

// A region's access word packs the state into the low byte and the number of readers sharing
// a reading state into the remaining bits
const (
	stateMask   uint32 = 0xff
	readerShift        = 8
)

func pack(state State, readers uint32) uint32 {
	return uint32(state) | readers<<readerShift
}

func unpack(word uint32) (State, uint32) {
	return State(word & stateMask), word >> readerShift
}
