// Command vkcli is a minimal command-line front end over the router and
// connection packages, grounded in the same go-flags command-group layout
// as the word-count example it was modeled on: one top-level Config carrying
// grouped, namespaced option structs, and one small command struct per
// verb, each implementing Execute.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/valkeygo/vk/conn"
	"github.com/valkeygo/vk/resp"
	"github.com/valkeygo/vk/router"
)

// ConnectionConfig names the server this client talks to.
type ConnectionConfig struct {
	Host            string `long:"host" default:"127.0.0.1" description:"Server host"`
	Port            int    `long:"port" default:"6379" description:"Server port"`
	AuthUser        string `long:"auth-user" description:"AUTH username, if required"`
	AuthPassword    string `long:"auth-password" description:"AUTH password, if required"`
	CycleReplicas   bool   `long:"cycle-replicas" description:"Round-robin read-only commands across known replicas"`
	MaxRedirectHops int    `long:"max-redirect-hops" default:"5" description:"MOVED/ASK/REDIRECT hops to follow before giving up"`
}

// LogConfig controls diagnostic verbosity, mirroring mbp.LogConfig's shape
// without depending on the rest of that package.
type LogConfig struct {
	Level string `long:"level" default:"info" description:"Logging level (debug, info, warn, error)"`
}

var Config = new(struct {
	Connection ConnectionConfig `group:"Connection" namespace:"conn" env-namespace:"VK_CONN"`
	Log        LogConfig        `group:"Logging" namespace:"log" env-namespace:"VK_LOG"`
})

func mustLevel(s string) log.Level {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		log.WithField("level", s).Fatal("invalid log level")
	}
	return lvl
}

// dialTCP is the router.Dialer used outside of tests: a plain net.Dial,
// since TLS and unix-socket transports are out of scope here.
func dialTCP(ctx context.Context, addr router.Address) (conn.Transport, error) {
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, resp.Wrap(resp.ErrConnectionClosed, "dial failed", err)
	}
	return c, nil
}

func newRouter() *router.ClientRouter {
	addr := router.Address{Host: Config.Connection.Host, Port: Config.Connection.Port}
	opts := []router.Option{
		WithMaxRedirectHopsFromConfig(Config.Connection.MaxRedirectHops),
	}
	if Config.Connection.CycleReplicas {
		opts = append(opts, router.WithReadOnlyPolicy(router.CycleReplicas))
	}
	if Config.Connection.AuthUser != "" || Config.Connection.AuthPassword != "" {
		opts = append(opts, router.WithAuth(Config.Connection.AuthUser, Config.Connection.AuthPassword))
	}
	return router.New(dialTCP, addr, opts...)
}

// WithMaxRedirectHopsFromConfig adapts the flat CLI flag into an Option; a
// tiny indirection kept so newRouter reads as a flat option list.
func WithMaxRedirectHopsFromConfig(n int) router.Option { return router.WithMaxRedirectHops(n) }

func runCommand(readOnly bool, args ...string) (resp.Token, error) {
	log.SetLevel(mustLevel(Config.Log.Level))

	r := newRouter()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items := make([]resp.Token, len(args))
	for i, a := range args {
		items[i] = resp.BulkString([]byte(a))
	}
	cmd := resp.Array(items)

	return r.WithConnection(ctx, readOnly, func(h *conn.ChannelHandler) (resp.Token, error) {
		resultCh := make(chan struct {
			tok resp.Token
			err error
		}, 1)
		h.Submit(cmd, time.Time{}, func(tok resp.Token, err error) {
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
	})
}

func printToken(t resp.Token) {
	switch t.Kind() {
	case resp.KindError:
		kind, msg := t.AsError()
		fmt.Printf("(error) %s %s\n", kind, msg)
	case resp.KindBulkString:
		fmt.Printf("%q\n", string(t.AsBulkString()))
	case resp.KindNull:
		fmt.Println("(nil)")
	default:
		fmt.Println(t.String())
	}
}

type cmdPing struct{}

func (c *cmdPing) Execute([]string) error {
	tok, err := runCommand(false, "PING")
	if err != nil {
		return err
	}
	printToken(tok)
	return nil
}

type cmdGet struct {
	Args struct {
		Key string `positional-arg-name:"key" required:"1"`
	} `positional-args:"yes"`
}

func (c *cmdGet) Execute([]string) error {
	tok, err := runCommand(true, "GET", c.Args.Key)
	if err != nil {
		return err
	}
	printToken(tok)
	return nil
}

type cmdSet struct {
	Args struct {
		Key   string `positional-arg-name:"key" required:"1"`
		Value string `positional-arg-name:"value" required:"1"`
	} `positional-args:"yes"`
}

func (c *cmdSet) Execute([]string) error {
	tok, err := runCommand(false, "SET", c.Args.Key, c.Args.Value)
	if err != nil {
		return err
	}
	printToken(tok)
	return nil
}

type cmdRole struct{}

func (c *cmdRole) Execute([]string) error {
	tok, err := runCommand(false, "ROLE")
	if err != nil {
		return err
	}
	printToken(tok)
	return nil
}

func main() {
	parser := flags.NewParser(Config, flags.Default)

	var err error
	_, err = parser.AddCommand("ping", "Ping the server", "Send a PING and print the reply", &cmdPing{})
	must(err, "failed to add ping command")
	_, err = parser.AddCommand("get", "Get a key", "Send a GET, routed per the read-only policy", &cmdGet{})
	must(err, "failed to add get command")
	_, err = parser.AddCommand("set", "Set a key", "Send a SET against the primary", &cmdSet{})
	must(err, "failed to add set command")
	_, err = parser.AddCommand("role", "Show server role", "Send a ROLE and print the raw reply", &cmdRole{})
	must(err, "failed to add role command")

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func must(err error, msg string) {
	if err != nil {
		log.WithError(err).Fatal(msg)
	}
}
