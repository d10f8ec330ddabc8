package conn

import (
	"time"

	"github.com/valkeygo/vk/resp"
)

// StateMachine is a pure function over (state, event) producing (state',
// action) for one connection. It performs no I/O and resolves no sinks
// itself — ChannelHandler interprets the returned Action. Kept as a
// standalone type (rather than folded into ChannelHandler) exactly so it
// can be driven and asserted against without a transport.
type StateMachine struct {
	state State
}

// NewStateMachine returns a StateMachine in its Initialized state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: Initialized()}
}

// Current returns the StateMachine's current state, for diagnostics and
// tests.
func (m *StateMachine) Current() State { return m.state }

func (m *StateMachine) mustPhase(p phase) {
	if m.state.phase != p {
		panic("conn: StateMachine event received in unexpected phase")
	}
}

// SetActive attaches a transport identified by ctx to an Initialized
// StateMachine, moving it to Connected and asking the handler to send
// HELLO.
func (m *StateMachine) SetActive(ctx string) Action {
	m.mustPhase(phaseInitialized)
	m.state = State{phase: phaseConnected, inner: newInnerState(ctx)}
	return Action{Kind: ActionSendHello}
}

// AwaitHello registers a startup completion sink to be resolved when the
// handshake succeeds or fails. Valid only in Connected.
func (m *StateMachine) AwaitHello(sink Sink) {
	m.mustPhase(phaseConnected)
	m.state.helloPromises = append(m.state.helloPromises, sink)
}

func isHelloReply(t resp.Token) bool { return t.Kind() == resp.KindMap }

// ReceivedResponse feeds one decoded Token arriving from the transport.
func (m *StateMachine) ReceivedResponse(t resp.Token) Action {
	switch m.state.phase {
	case phaseConnected:
		return m.receivedResponseConnected(t)
	case phaseActive:
		return m.receivedResponseActive(t)
	case phaseClosing:
		return m.receivedResponseClosing(t)
	default:
		panic("conn: receivedResponse in terminal or uninitialized phase")
	}
}

func (m *StateMachine) receivedResponseConnected(t resp.Token) Action {
	promises := m.state.helloPromises
	if !isHelloReply(t) {
		err := resp.NewError(resp.ErrUnsolicitedToken, "expected HELLO reply during handshake")
		m.state = State{phase: phaseClosed}
		return Action{Kind: ActionFailHelloPromisesAndClose, Err: err, Token: t, Promises: promises}
	}
	m.state = State{phase: phaseActive, inner: newInnerState(m.state.inner.Context)}
	return Action{Kind: ActionSucceedHelloPromises, Token: t, Promises: promises}
}

func (m *StateMachine) receivedResponseActive(t resp.Token) Action {
	inner := &m.state.inner
	if len(inner.Pending) == 0 {
		err := resp.NewError(resp.ErrUnsolicitedToken, "response received with no pending command")
		m.state = State{phase: phaseClosed}
		return Action{Kind: ActionCloseWithError, Err: err}
	}

	head := inner.Pending[0]
	rest := inner.Pending[1:]
	m.state.inner.Pending = rest

	return Action{Kind: ActionRespond, Completed: head, Token: t, Deadline: m.recomputeDeadline()}
}

func (m *StateMachine) receivedResponseClosing(t resp.Token) Action {
	inner := &m.state.inner
	head := inner.Pending[0]
	rest := inner.Pending[1:]

	if len(rest) == 0 {
		m.state = State{phase: phaseClosed}
		return Action{Kind: ActionRespondAndClose, Completed: head, Token: t}
	}
	m.state.inner.Pending = rest
	return Action{Kind: ActionRespond, Completed: head, Token: t, Deadline: m.recomputeDeadline()}
}

// SendCommand enqueues a new PendingCommand and asks the handler to write
// cmd. Valid only in Active.
func (m *StateMachine) SendCommand(cmd resp.Token, pending *PendingCommand) Action {
	m.mustPhase(phaseActive)
	m.state.inner.Pending = append(m.state.inner.Pending, pending)
	return Action{Kind: ActionSendCommand, Cmd: cmd, Deadline: m.recomputeDeadline()}
}

// Cancel cancels the in-flight command identified by id, if any. Per the
// specification, cancelling any in-flight request closes the connection:
// the wire has already committed to responses in FIFO order, so any
// continuation would be ambiguous. The cancelled command fails with
// `cancelled`; every other pending command fails with `connectionClosed` so
// the router may choose to retry them on a fresh connection.
func (m *StateMachine) Cancel(id uint64) Action {
	switch m.state.phase {
	case phaseActive, phaseClosing:
	default:
		panic("conn: cancel in unexpected phase")
	}

	inner := &m.state.inner
	idx := -1
	for i, p := range inner.Pending {
		if p.RequestID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return noneAction()
	}

	failed := make([]FailedCommand, 0, len(inner.Pending))
	for i, p := range inner.Pending {
		if i == idx {
			failed = append(failed, FailedCommand{Cmd: p, Err: resp.NewError(resp.ErrCancelled, "command cancelled")})
		} else {
			failed = append(failed, FailedCommand{Cmd: p, Err: resp.NewError(resp.ErrConnectionClosed, "connection closed due to sibling cancellation")})
		}
	}
	m.state = State{phase: phaseClosed}
	return Action{Kind: ActionFailPendingAndClose, Failed: failed}
}

// GracefulShutdown requests a drain: no further commands are accepted, and
// the connection closes once every pending command has been answered.
func (m *StateMachine) GracefulShutdown() Action {
	m.mustPhase(phaseActive)
	if len(m.state.inner.Pending) == 0 {
		m.state = State{phase: phaseClosed}
		return Action{Kind: ActionCloseConnection}
	}
	m.state.phase = phaseClosing
	return Action{Kind: ActionWaitForPendingCommands}
}

// SetClosed forces a Closing connection to Closed, failing every remaining
// pending command and hello promise. Used when the transport itself goes
// away (eg EOF) while draining.
func (m *StateMachine) SetClosed() Action {
	m.mustPhase(phaseClosing)
	failed := make([]FailedCommand, 0, len(m.state.inner.Pending))
	err := resp.NewError(resp.ErrConnectionClosed, "connection closed while draining")
	for _, p := range m.state.inner.Pending {
		failed = append(failed, FailedCommand{Cmd: p, Err: err})
	}
	m.state = State{phase: phaseClosed}
	return Action{Kind: ActionFailPendingAndClose, Failed: failed, Err: err}
}

// Close unconditionally tears the connection down from any non-terminal
// phase, failing every pending command and hello promise with err.
func (m *StateMachine) Close(err error) Action {
	if m.state.isTerminal() {
		return noneAction()
	}
	if err == nil {
		err = resp.NewError(resp.ErrConnectionClosed, "connection closed")
	}

	failed := make([]FailedCommand, 0, len(m.state.inner.Pending))
	for _, p := range m.state.inner.Pending {
		failed = append(failed, FailedCommand{Cmd: p, Err: err})
	}
	promises := m.state.helloPromises
	m.state = State{phase: phaseClosed}

	if len(promises) > 0 {
		return Action{Kind: ActionFailHelloPromisesAndClose, Err: err, Failed: failed, Promises: promises}
	}
	return Action{Kind: ActionCloseWithError, Err: err, Failed: failed}
}

// HitDeadline is called by the handler's single timer when the earliest
// scheduled deadline elapses.
func (m *StateMachine) HitDeadline(now time.Time) Action {
	switch m.state.phase {
	case phaseActive, phaseClosing:
	case phaseConnected:
		promises := m.state.helloPromises
		err := resp.NewError(resp.ErrTimeout, "HELLO handshake timed out")
		m.state = State{phase: phaseClosed}
		return Action{Kind: ActionFailHelloPromisesAndClose, Err: err, Promises: promises}
	default:
		return noneAction()
	}

	inner := &m.state.inner
	if len(inner.Pending) == 0 {
		return Action{Kind: ActionNone, Deadline: DeadlineAction{Kind: DeadlineCancel}}
	}

	// A deadline may elapse on any pending command, not only the head of the
	// FIFO: an earlier-submitted command can carry a later deadline than one
	// submitted after it (see the deadline-inversion scenario). Scanning only
	// the head here would let an expired non-head entry's deadline go
	// unenforced forever, since recomputing against the same already-past
	// time would just reschedule the timer to refire immediately.
	hasExpired := false
	for _, p := range inner.Pending {
		if p.hasDeadline() && !p.Deadline.After(now) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		next, ok := inner.earliestDeadline()
		if !ok {
			return Action{Kind: ActionNone, Deadline: DeadlineAction{Kind: DeadlineCancel}}
		}
		return Action{Kind: ActionNone, Deadline: DeadlineAction{Kind: DeadlineReschedule, At: next}}
	}

	// The wire is strictly FIFO: a timed-out command can't be individually
	// retracted without losing alignment between future responses and the
	// commands that requested them, so any expiry closes the whole
	// connection — mirroring Cancel's invariant. Expired commands fail with
	// timeout; every other pending command fails as closed-by-a-sibling so
	// no sink is left unresolved.
	failed := make([]FailedCommand, 0, len(inner.Pending))
	for _, p := range inner.Pending {
		if p.hasDeadline() && !p.Deadline.After(now) {
			failed = append(failed, FailedCommand{Cmd: p, Err: resp.NewError(resp.ErrTimeout, "command timed out")})
		} else {
			failed = append(failed, FailedCommand{Cmd: p, Err: resp.NewError(resp.ErrConnectionClosed, "connection closed due to sibling timeout")})
		}
	}
	m.state = State{phase: phaseClosed}
	return Action{Kind: ActionFailPendingAndClose, Failed: failed}
}

// recomputeDeadline derives the DeadlineAction to piggyback on a response
// or a new submission: DeadlineCancel when no pending command carries a
// deadline, else
// DeadlineReschedule to the global minimum across whatever remains (which
// may be earlier than the command that was just submitted or answered, in
// the deadline-inversion case).
func (m *StateMachine) recomputeDeadline() DeadlineAction {
	next, ok := m.state.inner.earliestDeadline()
	if !ok {
		return DeadlineAction{Kind: DeadlineCancel}
	}
	return DeadlineAction{Kind: DeadlineReschedule, At: next}
}
