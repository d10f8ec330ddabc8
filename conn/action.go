package conn

import (
	"time"

	"github.com/valkeygo/vk/resp"
)

// ActionKind discriminates the side effect a StateMachine transition asks
// its ChannelHandler to perform. The StateMachine itself never performs
// I/O or resolves a Sink directly — it only describes what must happen,
// which is what keeps it unit-testable without a transport.
type ActionKind int

const (
	// ActionNone asks for nothing further.
	ActionNone ActionKind = iota
	// ActionSendHello asks the handler to write a HELLO 3 command.
	ActionSendHello
	// ActionSucceedHelloPromises resolves every pending hello promise with
	// a nil error.
	ActionSucceedHelloPromises
	// ActionFailHelloPromisesAndClose fails every hello promise and closes
	// the transport; Err carries the cause.
	ActionFailHelloPromisesAndClose
	// ActionSendCommand asks the handler to serialize and write Cmd.
	ActionSendCommand
	// ActionRespond resolves one PendingCommand (Completed) with Token, and
	// carries the deadline-callback follow-up to apply (DeadlineAction).
	ActionRespond
	// ActionRespondAndClose resolves Completed with Token, then closes the
	// transport (used for the final response in a graceful Closing drain).
	ActionRespondAndClose
	// ActionCloseWithError fails the in-flight commands named by Failed (if
	// any) with Err, then closes the transport.
	ActionCloseWithError
	// ActionFailPendingAndClose fails every command in Failed with its own
	// paired error and closes the transport.
	ActionFailPendingAndClose
	// ActionWaitForPendingCommands asks the handler to keep reading
	// responses but accept no new submissions; no immediate I/O follows.
	ActionWaitForPendingCommands
	// ActionCloseConnection closes the transport with no pending failures.
	ActionCloseConnection
)

// DeadlineActionKind discriminates the piggybacked deadline-timer update
// carried by ActionSendCommand, ActionRespond, and the ActionNone that
// HitDeadline returns.
type DeadlineActionKind int

const (
	// DeadlineDoNothing leaves the scheduled callback untouched.
	DeadlineDoNothing DeadlineActionKind = iota
	// DeadlineCancel means no pending command carries a deadline; clear the
	// timer.
	DeadlineCancel
	// DeadlineReschedule carries the new earliest deadline to arm the
	// timer to.
	DeadlineReschedule
)

// DeadlineAction is the deadline-timer update piggybacked on a response.
type DeadlineAction struct {
	Kind DeadlineActionKind
	At   time.Time
}

// FailedCommand pairs a PendingCommand with the error its completion sink
// must be resolved with. A batch close can fail different commands with
// different errors (eg the cancelled command itself gets `cancelled`, while
// every other in-flight command gets `connectionClosed`).
type FailedCommand struct {
	Cmd *PendingCommand
	Err error
}

// Action is the tagged result of a StateMachine transition. Exactly the
// fields relevant to Kind are meaningful.
type Action struct {
	Kind ActionKind

	Cmd      resp.Token     // ActionSendCommand.
	Deadline DeadlineAction // ActionSendCommand, ActionRespond, and HitDeadline's ActionNone: timer rearm to apply.

	Completed *PendingCommand // ActionRespond, ActionRespondAndClose.
	Token     resp.Token      // ActionRespond, ActionRespondAndClose.

	Promises []Sink // ActionSucceedHelloPromises, ActionFailHelloPromisesAndClose.

	Failed []FailedCommand // ActionCloseWithError, ActionFailPendingAndClose.
	Err    error            // ActionFailHelloPromisesAndClose, ActionCloseWithError: shared cause.
}

func noneAction() Action { return Action{Kind: ActionNone} }
