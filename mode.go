package clapsql

import (
	"fmt"
	"strings"
)

type (
	// Mode is the kind of work a task performs. Modes are ordered by priority:
	// within one table a task is not admitted while a task of a higher-priority
	// mode is active.
	Mode int

	TaskState int32
)

const (
	ModeInsert Mode = iota
	ModeUpdate
	ModeDelete
	ModeSelect

	modeCount = 4
)

const (
	TaskCreated TaskState = iota
	// TaskDelayScheduled means the task is registered and waits for its delay.
	TaskDelayScheduled
	// TaskBlocked means the task waits for higher-priority work or a worker.
	TaskBlocked
	TaskRunning
	TaskDone
)

// Modes lists every mode from the highest priority to the lowest.
var Modes = [modeCount]Mode{ModeInsert, ModeUpdate, ModeDelete, ModeSelect}

// Outranks reports whether m has strictly higher priority than other.
func (m Mode) Outranks(other Mode) bool {
	return m < other
}

func (m Mode) valid() bool {
	return m >= ModeInsert && m <= ModeSelect
}

func (m Mode) String() string {
	switch m {
	case ModeInsert:
		return "INSERT"
	case ModeUpdate:
		return "UPDATE"
	case ModeDelete:
		return "DELETE"
	case ModeSelect:
		return "SELECT"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts mode names in any case.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid mode %q", s)
}

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskDelayScheduled:
		return "delay-scheduled"
	case TaskBlocked:
		return "blocked"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}
