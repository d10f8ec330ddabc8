// Package router implements the client-level primary/replica topology
// router: it picks which per-server ChannelHandler answers a request,
// discovers topology via ROLE, and transparently retries redirected
// commands. Grounded on the teacher's consumer.Resolver/Replica pairing (a
// logical identity resolved to a concrete, lazily-readied local resource
// released through a Done callback), generalized from shard-to-process
// resolution to server-address-to-connection resolution.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/valkeygo/vk/conn"
	"github.com/valkeygo/vk/resp"
	"github.com/valkeygo/vk/shared"
)

// Address identifies a server endpoint.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// ReadOnlyPolicy selects how read-only commands choose among replicas.
type ReadOnlyPolicy int

const (
	// PrimaryOnly always directs read-only commands to the primary.
	PrimaryOnly ReadOnlyPolicy = iota
	// CycleReplicas round-robins read-only commands across known replicas,
	// falling back to the primary when none are known.
	CycleReplicas
)

// AuthCredentials carries the optional AUTH argument pair sent with HELLO.
type AuthCredentials struct {
	User     string
	Password string
}

// Option mutates Options; constructed via the functional-options idiom seen
// convergently across the teacher's pack (eg the mainboilerplate address
// configs).
type Option func(*Options)

// Options configures a ClientRouter.
type Options struct {
	ReadOnlyPolicy       ReadOnlyPolicy
	ConnectingToReplica  bool
	Auth                 *AuthCredentials
	HelloTimeout         time.Duration
	CommandTimeoutDefault time.Duration
	MaxRedirectHops      int
	// RetryAfterCancel records whether commands reported as "closed due to
	// sibling cancellation" (see conn.StateMachine.Cancel) should be
	// resubmitted against a freshly dialed connection. Off by default.
	// WithConnection does not read it: such a command always surfaces
	// connectionClosed to its caller and is not resubmitted.
	RetryAfterCancel bool
	// OnPush receives every push frame (pub/sub message) any pooled
	// connection delivers. Push frames never enter the command queue,
	// regardless of whether a caller supplied a handler; with none set they
	// are simply dropped after routing away from ReceivedResponse.
	OnPush conn.PushHandler
}

func defaultOptions() Options {
	return Options{
		ReadOnlyPolicy:        PrimaryOnly,
		HelloTimeout:          5 * time.Second,
		CommandTimeoutDefault: 5 * time.Second,
		MaxRedirectHops:       5,
	}
}

func WithReadOnlyPolicy(p ReadOnlyPolicy) Option { return func(o *Options) { o.ReadOnlyPolicy = p } }
func WithConnectingToReplica(v bool) Option       { return func(o *Options) { o.ConnectingToReplica = v } }
func WithAuth(user, password string) Option {
	return func(o *Options) { o.Auth = &AuthCredentials{User: user, Password: password} }
}
func WithHelloTimeout(d time.Duration) Option      { return func(o *Options) { o.HelloTimeout = d } }
func WithCommandTimeout(d time.Duration) Option    { return func(o *Options) { o.CommandTimeoutDefault = d } }
func WithMaxRedirectHops(n int) Option             { return func(o *Options) { o.MaxRedirectHops = n } }
func WithRetryAfterCancel(v bool) Option           { return func(o *Options) { o.RetryAfterCancel = v } }
func WithPushHandler(h conn.PushHandler) Option     { return func(o *Options) { o.OnPush = h } }

// Dialer opens a transport to addr. An external collaborator: TCP/TLS
// dialing is out of scope for this package.
type Dialer func(ctx context.Context, addr Address) (conn.Transport, error)

// poolEntry maps one server Address to a shared, lazily-initialized,
// refcounted ChannelHandler: concurrent commands against the same address
// share the one open connection rather than each dialing their own.
type poolEntry struct {
	addr     Address
	resource *shared.Resource[*conn.ChannelHandler]
}

// ClientRouter is the client-level topology-aware entry point: it chooses
// between primary and replica connections and transparently retries
// redirected commands.
type ClientRouter struct {
	mu sync.Mutex

	dial    Dialer
	opts    Options
	pools   map[string]*poolEntry
	primary Address
	replica []Address
	cycle   int

	log *log.Entry
}

// New constructs a ClientRouter whose initial primary is addr.
func New(dial Dialer, addr Address, opts ...Option) *ClientRouter {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	r := &ClientRouter{
		dial:    dial,
		opts:    o,
		pools:   make(map[string]*poolEntry),
		primary: addr,
		log:     log.WithField("component", "ClientRouter"),
	}
	r.poolFor(addr)
	return r
}

func (r *ClientRouter) poolFor(addr Address) *poolEntry {
	key := addr.String()
	if p, ok := r.pools[key]; ok {
		return p
	}
	p := &poolEntry{addr: addr, resource: shared.New[*conn.ChannelHandler]()}
	r.pools[key] = p
	return p
}

// selectAddress picks the address a request of the given read-only-ness
// should be sent to, under the router's current topology knowledge and
// policy.
func (r *ClientRouter) selectAddress(readOnly bool) Address {
	r.mu.Lock()
	defer r.mu.Unlock()

	if readOnly && r.opts.ReadOnlyPolicy == CycleReplicas && len(r.replica) > 0 {
		addr := r.replica[r.cycle%len(r.replica)]
		r.cycle++
		return addr
	}
	return r.primary
}

// WithConnection runs body against the connection selected for readOnly
// commands, transparently retrying on MOVED/ASK/REDIRECT server errors up
// to MaxRedirectHops times.
func (r *ClientRouter) WithConnection(ctx context.Context, readOnly bool, body func(*conn.ChannelHandler) (resp.Token, error)) (resp.Token, error) {
	addr := r.selectAddress(readOnly)

	for hop := 0; ; hop++ {
		if hop > r.opts.MaxRedirectHops {
			return resp.Token{}, resp.NewError(resp.ErrTooManyRedirects, "exceeded max_redirect_hops")
		}

		handler, id, entry, err := r.acquire(ctx, addr)
		if err != nil {
			return resp.Token{}, err
		}

		token, err := body(handler)
		entry.resource.Release(id, func(h *conn.ChannelHandler) { h.Shutdown() })
		if err != nil {
			return resp.Token{}, err
		}

		if next, ok := redirectTarget(token); ok {
			r.log.WithFields(log.Fields{"from": addr.String(), "to": next.String()}).Info("following redirect")
			r.mu.Lock()
			r.poolFor(next)
			r.mu.Unlock()
			addr = next
			continue
		}
		return token, nil
	}
}

func (r *ClientRouter) acquire(ctx context.Context, addr Address) (*conn.ChannelHandler, uint64, *poolEntry, error) {
	r.mu.Lock()
	entry := r.poolFor(addr)
	r.mu.Unlock()

	handler, id, err := entry.resource.Acquire(func() (*conn.ChannelHandler, error) {
		return r.connect(ctx, addr)
	})
	return handler, id, entry, err
}

// connect dials addr, completes the HELLO handshake, and runs ROLE to
// discover and record the current topology.
func (r *ClientRouter) connect(ctx context.Context, addr Address) (*conn.ChannelHandler, error) {
	transport, err := r.dial(ctx, addr)
	if err != nil {
		return nil, resp.Wrap(resp.ErrConnectionClosed, "dial failed", err)
	}

	hello := conn.HelloOptions{}
	if r.opts.Auth != nil {
		hello.AuthUser, hello.AuthPassword = r.opts.Auth.User, r.opts.Auth.Password
	}
	onPush := r.opts.OnPush
	if onPush == nil {
		// Push frames must never reach the StateMachine's command queue even
		// when no caller-supplied handler is configured; route them to a
		// no-op divert rather than leaving onPush nil.
		onPush = func(resp.Token) {}
	}
	handler := conn.NewChannelHandler(transport, addr.String(), hello, onPush)

	readyCh := make(chan error, 1)
	handler.Start(readyCh)

	select {
	case err := <-readyCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(r.opts.HelloTimeout):
		return nil, resp.NewError(resp.ErrTimeout, "HELLO handshake timed out")
	case <-ctx.Done():
		return nil, resp.Wrap(resp.ErrCancelled, "handshake cancelled", ctx.Err())
	}

	r.discoverTopology(ctx, addr, handler)
	return handler, nil
}

// discoverTopology issues ROLE against handler and updates the router's
// primary/replica bookkeeping. ROLE parsing keeps the legacy "master"/
// "slave" literal terminology for wire compatibility.
func (r *ClientRouter) discoverTopology(ctx context.Context, addr Address, handler *conn.ChannelHandler) {
	tok, err := submitSync(ctx, handler, resp.Array([]resp.Token{resp.BulkString([]byte("ROLE"))}), r.opts.CommandTimeoutDefault)
	if err != nil || tok.Kind() != resp.KindArray {
		return
	}
	items := tok.AsItems()
	if len(items) == 0 {
		return
	}
	role, err := resp.DecodeString(items[0])
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch role {
	case "master":
		if len(items) < 3 {
			return
		}
		var replicas []Address
		for _, entry := range items[2].AsItems() {
			fields := entry.AsItems()
			if len(fields) < 2 {
				continue
			}
			host, err := resp.DecodeString(fields[0])
			if err != nil {
				continue
			}
			portStr, err := resp.DecodeString(fields[1])
			if err != nil {
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}
			replicas = append(replicas, Address{Host: host, Port: port})
		}
		r.replica = replicas
		r.primary = addr

	case "slave":
		if len(items) < 3 {
			return
		}
		host, err := resp.DecodeString(items[1])
		if err != nil {
			return
		}
		port, err := decodeAnyAsPort(items[2])
		if err != nil {
			return
		}
		r.primary = Address{Host: host, Port: port}
	}
}

func decodeAnyAsPort(t resp.Token) (int, error) {
	if t.Kind() == resp.KindInteger {
		return int(t.AsInteger()), nil
	}
	s, err := resp.DecodeString(t)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// submitSync wraps ChannelHandler.Submit in a blocking call, for the
// router's own internal use (topology discovery, and as the building block
// for an eventual command-submission surface above this package).
func submitSync(ctx context.Context, handler *conn.ChannelHandler, cmd resp.Token, timeout time.Duration) (resp.Token, error) {
	resultCh := make(chan struct {
		tok resp.Token
		err error
	}, 1)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	handler.Submit(cmd, deadline, func(tok resp.Token, err error) {
		resultCh <- struct {
			tok resp.Token
			err error
		}{tok, err}
	})

	select {
	case r := <-resultCh:
		return r.tok, r.err
	case <-ctx.Done():
		return resp.Token{}, ctx.Err()
	}
}

// redirectTarget inspects a Token for a MOVED/ASK/REDIRECT server error and,
// if found, returns the address it points to.
func redirectTarget(t resp.Token) (Address, bool) {
	if t.Kind() != resp.KindError {
		return Address{}, false
	}
	kind, message := t.AsError()
	switch kind {
	case "MOVED", "ASK", "REDIRECT":
		// "MOVED <slot> <host>:<port>", "ASK <slot> <host>:<port>", or
		// "REDIRECT <host>:<port>" (no slot) — the address is always the
		// last whitespace-separated field.
		fields := strings.Fields(message)
		if len(fields) == 0 {
			return Address{}, false
		}
		return parseHostPort(fields[len(fields)-1])
	default:
		return Address{}, false
	}
}

func parseHostPort(hostport string) (Address, bool) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return Address{}, false
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return Address{}, false
	}
	return Address{Host: hostport[:idx], Port: port}, true
}
