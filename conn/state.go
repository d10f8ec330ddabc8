// Package conn implements the per-connection protocol state machine and the
// ChannelHandler that wires it to a byte transport: handshake, in-flight
// command tracking, deadlines, cancellation, and graceful shutdown.
package conn

import (
	"time"

	"github.com/valkeygo/vk/resp"
)

// Sink is the one-shot completion callback for a PendingCommand or a hello
// promise. It is invoked exactly once, either with a Token or an error.
type Sink func(resp.Token, error)

// PendingCommand is one outstanding request awaiting a response.
type PendingCommand struct {
	RequestID  uint64
	Deadline   time.Time // zero Deadline means no deadline.
	Completion Sink
}

func (p *PendingCommand) hasDeadline() bool { return !p.Deadline.IsZero() }

// phase discriminates the variant held by a State. A State is a tagged
// union: the fields meaningful for a given phase are documented alongside
// it. Modeled as a tag over per-phase fields rather than as flags on a flat
// struct, so invariants about which fields are meaningful stay enforced by
// construction rather than by convention.
type phase int

const (
	phaseInitialized phase = iota
	phaseConnected
	phaseActive
	phaseClosing
	phaseClosed
)

// InnerState carries the fields common to Connected, Active, and Closing:
// the transport's diagnostic identifier and the FIFO of in-flight commands.
type InnerState struct {
	Context string
	Pending []*PendingCommand
}

func newInnerState(ctx string) InnerState {
	return InnerState{Context: ctx, Pending: nil}
}

func (s *InnerState) earliestDeadline() (time.Time, bool) {
	var best time.Time
	var found bool
	for _, p := range s.Pending {
		if !p.hasDeadline() {
			continue
		}
		if !found || p.Deadline.Before(best) {
			best, found = p.Deadline, true
		}
	}
	return best, found
}

// State is the StateMachine's current tagged state.
type State struct {
	phase phase

	// Connected-only.
	helloPromises []Sink

	inner InnerState // Connected, Active, Closing.
}

// Initialized returns the starting state of a freshly constructed
// StateMachine, before any transport has been attached.
func Initialized() State { return State{phase: phaseInitialized} }

func (s State) isTerminal() bool { return s.phase == phaseClosed }

// Phase names, used in logging and diagnostics only.
func (s State) String() string {
	switch s.phase {
	case phaseInitialized:
		return "Initialized"
	case phaseConnected:
		return "Connected"
	case phaseActive:
		return "Active"
	case phaseClosing:
		return "Closing"
	case phaseClosed:
		return "Closed"
	default:
		return "unknown"
	}
}
