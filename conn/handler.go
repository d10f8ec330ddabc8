package conn

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/valkeygo/vk/resp"
)

// PushHandler is invoked for every out-of-band push frame (pub/sub
// messages) the connection receives. Push frames never reach the
// StateMachine's command queue; routing them to subscribers is an external
// collaborator, reached here only at its boundary.
type PushHandler func(resp.Token)

// HelloOptions parametrizes the HELLO 3 handshake a ChannelHandler sends
// immediately after a transport is attached.
type HelloOptions struct {
	AuthUser     string
	AuthPassword string
	SetName      string
}

func (o HelloOptions) command() ([]byte, error) {
	args := []interface{}{"3"}
	if o.AuthUser != "" || o.AuthPassword != "" {
		args = append(args, "AUTH", o.AuthUser, o.AuthPassword)
	}
	if o.SetName != "" {
		args = append(args, "SETNAME", o.SetName)
	}
	return resp.EncodeCommand("HELLO", args...)
}

type submission struct {
	id       uint64
	cmd      resp.Token
	deadline time.Time
	sink     Sink
}

// ChannelHandler wires a StateMachine to a Transport: one reader goroutine
// feeds the codec and hands decoded tokens to one owning goroutine, which
// serializes submissions, cancellations, deadline timer fires, decoded
// responses, and the writes those produce. Mirrors the teacher's aznet.Conn split between a single-owner
// read path and a guarded write path, collapsed here into one owning
// goroutine reached only through channels.
type ChannelHandler struct {
	transport Transport
	machine   *StateMachine
	hello     HelloOptions
	onPush    PushHandler

	log    *log.Entry
	events trace.EventLog

	submitCh chan submission
	cancelCh chan uint64
	closeCh  chan error
	doneCh   chan struct{}

	writeMu sync.Mutex
}

// NewChannelHandler constructs a handler around transport, identified by
// ctx for diagnostics (the trace.EventLog family and log fields).
func NewChannelHandler(transport Transport, ctx string, hello HelloOptions, onPush PushHandler) *ChannelHandler {
	h := &ChannelHandler{
		transport: transport,
		machine:   NewStateMachine(),
		hello:     hello,
		onPush:    onPush,
		log:       log.WithField("conn", ctx),
		events:    trace.NewEventLog("vk.conn.ChannelHandler", ctx),
		submitCh:  make(chan submission, 64),
		cancelCh:  make(chan uint64, 16),
		closeCh:   make(chan error, 1),
		doneCh:    make(chan struct{}),
	}
	return h
}

// Start attaches the transport to the StateMachine and launches the reader
// and owning-loop goroutines. AwaitHello is called with a sink that resolves
// readyCh.
func (h *ChannelHandler) Start(readyCh chan<- error) {
	tokenCh := make(chan resp.Token, 64)
	readErrCh := make(chan error, 1)

	go h.readerLoop(tokenCh, readErrCh)

	action := h.machine.SetActive(fmt.Sprintf("%s->%s", h.transport.LocalAddr(), h.transport.RemoteAddr()))
	h.machine.AwaitHello(func(_ resp.Token, err error) {
		readyCh <- err
	})
	h.execute(action)

	go h.runLoop(tokenCh, readErrCh)
}

// Submit hands off a command for transmission, returning the request id the
// command was queued under so a caller can later Cancel it. The actual
// response arrives asynchronously via sink.
func (h *ChannelHandler) Submit(cmd resp.Token, deadline time.Time, sink Sink) uint64 {
	id := NextRequestID()
	h.submitCh <- submission{id: id, cmd: cmd, deadline: deadline, sink: sink}
	return id
}

// Cancel requests cancellation of the in-flight command with id.
func (h *ChannelHandler) Cancel(id uint64) { h.cancelCh <- id }

// Shutdown requests a graceful close: no new commands (a command submitted
// while draining fails with connectionClosed), drain pending, then close the
// transport.
func (h *ChannelHandler) Shutdown() { h.closeCh <- nil }

// Done is closed once the handler's owning goroutine has torn everything
// down.
func (h *ChannelHandler) Done() <-chan struct{} { return h.doneCh }

func (h *ChannelHandler) readerLoop(tokenCh chan<- resp.Token, errCh chan<- error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := h.transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				res := resp.Consume(buf)
				switch res.Status {
				case resp.StatusComplete:
					tokenCh <- res.Token
					buf = buf[res.Consumed:]
					continue
				case resp.StatusIncomplete:
				case resp.StatusMalformed:
					errCh <- res.Err
					return
				}
				break
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

func (h *ChannelHandler) runLoop(tokenCh <-chan resp.Token, readErrCh <-chan error) {
	defer close(h.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	armTimer := func(at time.Time) {
		if timer != nil {
			timer.Stop()
		}
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		timer = time.NewTimer(d)
		timerCh = timer.C
	}
	clearTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerCh = nil, nil
	}

	closed := false
	for !closed {
		select {
		case s := <-h.submitCh:
			if h.machine.Current().phase == phaseClosing {
				s.sink(resp.Token{}, resp.NewError(resp.ErrConnectionClosed, "connection is shutting down"))
				continue
			}
			pending := &PendingCommand{RequestID: s.id, Deadline: s.deadline, Completion: s.sink}
			h.applyDeadline(h.machine.SendCommand(s.cmd, pending), armTimer, clearTimer)

		case id := <-h.cancelCh:
			closed = h.execute(h.machine.Cancel(id))

		case <-readErrCh:
			if h.machine.Current().phase == phaseClosing {
				// Already draining toward a graceful shutdown: the named
				// setClosed transition forces the close instead of the
				// generic Close(err) path every other phase uses.
				closed = h.execute(h.machine.SetClosed())
			} else {
				closed = h.execute(h.machine.Close(resp.NewError(resp.ErrConnectionClosed, "transport read failed")))
			}

		case err := <-h.closeCh:
			closed = h.execute(h.machine.GracefulShutdown())
			_ = err

		case now := <-timerCh:
			h.applyDeadline(h.machine.HitDeadline(now), armTimer, clearTimer)
			if h.machine.Current().phase == phaseClosed {
				closed = true
			}

		case t := <-tokenCh:
			if h.onPush != nil && t.Kind() == resp.KindPush {
				h.onPush(t)
				continue
			}
			a := h.machine.ReceivedResponse(t)
			closed = h.execute(a)
			switch a.Deadline.Kind {
			case DeadlineReschedule:
				armTimer(a.Deadline.At)
			case DeadlineCancel:
				clearTimer()
			}
		}
	}
	clearTimer()
	_ = h.transport.Close()
}

// applyDeadline rearms or clears the timer per a piggybacked DeadlineAction.
func (h *ChannelHandler) applyDeadline(a Action, arm func(time.Time), clear func()) {
	h.execute(a)
	switch a.Deadline.Kind {
	case DeadlineReschedule:
		arm(a.Deadline.At)
	case DeadlineCancel:
		clear()
	}
}

// execute interprets one Action, performing the I/O and sink resolution it
// describes. Returns true once the connection has reached Closed.
func (h *ChannelHandler) execute(a Action) bool {
	switch a.Kind {
	case ActionNone:
		return false

	case ActionSendHello:
		b, err := h.hello.command()
		if err != nil {
			h.log.WithError(err).Error("failed to build HELLO command")
			return true
		}
		h.write(b)
		return false

	case ActionSendCommand:
		b, err := resp.EncodeToken(a.Cmd)
		if err != nil {
			h.log.WithError(err).Error("failed to encode command")
			return false
		}
		h.write(b)
		return false

	case ActionSucceedHelloPromises:
		h.events.Printf("hello succeeded")
		for _, p := range a.Promises {
			p(a.Token, nil)
		}
		return false

	case ActionFailHelloPromisesAndClose:
		h.log.WithError(a.Err).Warn("HELLO handshake failed")
		for _, p := range a.Promises {
			p(resp.Token{}, a.Err)
		}
		for _, f := range a.Failed {
			f.Cmd.Completion(resp.Token{}, f.Err)
		}
		_ = h.transport.Close()
		return true

	case ActionRespond:
		a.Completed.Completion(a.Token, nil)
		return false

	case ActionRespondAndClose:
		a.Completed.Completion(a.Token, nil)
		_ = h.transport.Close()
		return true

	case ActionCloseWithError:
		h.log.WithError(a.Err).Warn("connection closing with error")
		for _, f := range a.Failed {
			f.Cmd.Completion(resp.Token{}, f.Err)
		}
		_ = h.transport.Close()
		return true

	case ActionFailPendingAndClose:
		for _, f := range a.Failed {
			f.Cmd.Completion(resp.Token{}, f.Err)
		}
		_ = h.transport.Close()
		return true

	case ActionWaitForPendingCommands:
		h.events.Printf("draining pending commands before close")
		return false

	case ActionCloseConnection:
		_ = h.transport.Close()
		return true

	default:
		return false
	}
}

func (h *ChannelHandler) write(b []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.transport.Write(b); err != nil {
		h.log.WithError(err).Warn("transport write failed")
	}
}
