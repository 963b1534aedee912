package actingdoll

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"github.com/CodeneAria/actingdoll/api"
	"github.com/CodeneAria/actingdoll/internal/registry"
	"github.com/CodeneAria/actingdoll/internal/svcfields"
)

// ConsoleID is the in-process session id of the operator console.
const ConsoleID = "console"

const consoleHelp = `commands:
  status                       server status
  ping                         liveness check
  list                         list connected render clients
  notify <message>             broadcast a message
  send <id> <message>          message one client
  model list                   list indexed models
  model get_expressions <m>    list expressions of a model
  model get_motions <m>        list motion groups of a model
  model get_parameters <m>     list settable parameters of a model
  client <id> <cmd> [args]     send a directive to a render client
  help                         this text
  quit                         leave the console`

// Console is the interactive operator session on stdin. It joins the
// registry as a regular session so everything it types flows through the
// same router as remote peers. Local operators skip the auth gate.
type Console struct {
	server *Server
	logger pslog.Logger
	in     io.Reader
	out    io.Writer
}

// NewConsole wires a console to srv, reading commands from in and printing
// responses as JSON lines to out.
func NewConsole(srv *Server, in io.Reader, out io.Writer, logger pslog.Logger) *Console {
	return &Console{
		server: srv,
		logger: svcfields.WithSubsystem(logger, "console"),
		in:     in,
		out:    out,
	}
}

// Run processes commands until in is exhausted, "quit" is typed or ctx
// ends.
func (c *Console) Run(ctx context.Context) error {
	reg := c.server.Registry()
	sess := reg.Register(ConsoleID, "local", &consoleSender{out: c.out})
	reg.MarkAuthenticated(ConsoleID)
	reg.SetRole(ConsoleID, api.RoleToolCaller)
	defer reg.Unregister(ConsoleID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "quit", line == "exit":
				return nil
			case line == "help":
				fmt.Fprintln(c.out, consoleHelp)
			default:
				c.dispatch(sess, line)
			}
		}
	}
}

func (c *Console) dispatch(sess *registry.Session, line string) {
	env, err := json.Marshal(api.Envelope{
		Type:    api.TypeCommand,
		Command: line,
	})
	if err != nil {
		c.logger.Error("console command encode failed", "error", err)
		return
	}
	c.server.Router().Handle(sess, env)
}

// consoleSender prints everything addressed to the console session as
// indented JSON on stdout.
type consoleSender struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *consoleSender) Send(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c *consoleSender) Close() error { return nil }
