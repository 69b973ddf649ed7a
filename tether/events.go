// Package tether drives the connect/monitor/recover/disconnect
// lifecycle of a disguised tethered connection. The state machine owns
// the single live ConnectionState; every other component reports into
// it through events and never mutates shared state directly.
package tether

import (
	"fmt"

	"tethercloak/health"
	"tethercloak/ops"
	"tethercloak/recovery"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
	StateErrorRecovery
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	case StateErrorRecovery:
		return "error_recovery"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sink receives the machine's notification events. The GUI/CLI layer
// subscribes here; the core never renders anything itself. All
// callbacks fire on the machine's owner goroutine, so implementations
// must not block.
type Sink interface {
	StateChanged(oldState, newState State)
	HealthDegraded(sample health.Sample)
	RecoveryAttempted(attempt recovery.Attempt)
}

type NopSink struct{}

func (NopSink) StateChanged(State, State)          {}
func (NopSink) HealthDegraded(health.Sample)       {}
func (NopSink) RecoveryAttempted(recovery.Attempt) {}

// OpError carries a failed executor result across component
// boundaries so the classifier can match on the raw signature.
type OpError struct {
	Result ops.Result
}

func (e *OpError) Error() string {
	return e.Result.Summary()
}
