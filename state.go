package coop

import (
	"sync/atomic"
)

// LoopState represents the current state of a Scheduler.
//
// State Machine:
//
//	StateAwake → StateRunning          [RunUntilComplete / RunForever]
//	StateRunning → StateSleeping       [no ready work, via CAS]
//	StateSleeping → StateRunning       [wakeup, via CAS]
//	StateRunning → StateAwake          [driver returned]
//	StateAwake|StateRunning|StateSleeping → StateTerminating [Shutdown]
//	StateTerminating → StateTerminated [shutdown complete]
//
// Transitions between Running and Sleeping are only made by the driving
// goroutine, while holding the scheduler lock.
type LoopState uint32

const (
	// StateAwake indicates the scheduler is not being driven.
	StateAwake LoopState = 0
	// StateTerminated indicates the scheduler has been shut down.
	StateTerminated LoopState = 1
	// StateSleeping indicates the driver is blocked, waiting for timers or ingress.
	StateSleeping LoopState = 2
	// StateRunning indicates the driver is stepping tasks.
	StateRunning LoopState = 3
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free holder for LoopState.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store should only be used for irreversible states.
func (s *fastState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsRunning reports whether a driver is active.
func (s *fastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// TaskState is the lifecycle state of a Task.
//
//	Created → Scheduled → Running → (Suspended → Scheduled → Running)* → Completed | Failed | Cancelled
//
// A task cancelled before it first runs goes directly from Scheduled to
// Cancelled. Completed, Failed and Cancelled are terminal.
type TaskState uint8

const (
	TaskCreated TaskState = iota
	TaskScheduled
	TaskRunning
	TaskSuspended
	TaskCompleted
	TaskCancelled
	TaskFailed
)

// String returns a human-readable representation of the state.
func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "Created"
	case TaskScheduled:
		return "Scheduled"
	case TaskRunning:
		return "Running"
	case TaskSuspended:
		return "Suspended"
	case TaskCompleted:
		return "Completed"
	case TaskCancelled:
		return "Cancelled"
	case TaskFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}
