package conn

import "sync/atomic"

var requestIDCounter uint64

// NextRequestID returns a process-wide monotonically increasing request id,
// suitable for PendingCommand.RequestID. Shared across every StateMachine in
// the process so ids never collide even if a caller multiplexes several
// connections.
func NextRequestID() uint64 {
	return atomic.AddUint64(&requestIDCounter, 1)
}
