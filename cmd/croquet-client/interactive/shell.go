// Package interactive provides the croquet-client command shell.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/croquet-sync/croquet-go/pkg/client"
	"github.com/croquet-sync/croquet-go/pkg/discovery"
	"github.com/croquet-sync/croquet-go/pkg/entity"
	"github.com/croquet-sync/croquet-go/pkg/event"
	"github.com/croquet-sync/croquet-go/pkg/presence"
	"github.com/croquet-sync/croquet-go/pkg/subscription"
)

// Shell reads commands and runs them against a client.
type Shell struct {
	rl  *readline.Instance
	out io.Writer
	c   *client.Client

	// loop-owned
	watched  map[string]*entity.Entity
	presence map[string]event.Handle
}

// New creates a shell on the terminal.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "croquet> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{
		rl:       rl,
		out:      rl.Stdout(),
		watched:  make(map[string]*entity.Entity),
		presence: make(map[string]event.Handle),
	}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that coordinates with the prompt.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run starts the command loop. cancel is called on quit or EOF.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc, c *client.Client) {
	defer s.rl.Close()
	s.c = c

	s.do(ctx, func() {
		c.OnNotification(func(n client.Notification) {
			fmt.Fprintf(s.out, "[NOTIFY] %s (key: %s, other: %v)\n", n.Message, n.Key, n.Other)
		})
		c.OnWaiting(func() { fmt.Fprintln(s.out, "[WAIT] waiting for the server...") })
		c.OnDone(func() { fmt.Fprintln(s.out, "[WAIT] done") })
		c.Init(func() { fmt.Fprintf(s.out, "Connected (session %s)\n", c.Session()) })
	})

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "quit", "exit", "q":
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		case "discover":
			s.cmdDiscover(ctx)
		default:
			if !s.dispatch(ctx, cmd, args) {
				fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
			}
		}
	}
}

// dispatch runs a loop-bound command. It returns false for unknown commands.
func (s *Shell) dispatch(ctx context.Context, cmd string, args []string) bool {
	var fn func([]string)
	switch cmd {
	case "status":
		fn = s.cmdStatus
	case "connect":
		fn = func([]string) { s.c.Connect() }
	case "disconnect":
		fn = func([]string) { s.c.Disconnect() }
	case "ping":
		fn = s.cmdPing
	case "get":
		fn = s.cmdGet
	case "watch":
		fn = s.cmdWatch
	case "unwatch":
		fn = s.cmdUnwatch
	case "list":
		fn = s.cmdList
	case "create":
		fn = s.cmdCreate
	case "update":
		fn = s.cmdUpdate
	case "delete":
		fn = s.cmdDelete
	case "query":
		fn = s.cmdQuery
	case "presence":
		fn = s.cmdPresence
	case "online":
		fn = func([]string) { s.c.Presence().Online() }
	case "away":
		fn = func([]string) { s.c.Presence().Away() }
	case "offline":
		fn = func([]string) { s.c.Presence().Offline() }
	case "report":
		fn = s.cmdReport
	case "login":
		fn = s.cmdLogin
	case "logout":
		fn = func([]string) { s.c.Auth().Deauth() }
	case "passwd":
		fn = s.cmdPasswd
	case "resetpw":
		fn = s.cmdResetPassword
	default:
		return false
	}
	s.do(ctx, func() { fn(args) })
	return true
}

func (s *Shell) do(ctx context.Context, fn func()) {
	if err := s.c.Do(ctx, fn); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Commands:
  Connection:
    status                          - Show connection and cache status
    connect / disconnect            - Control the session
    ping                            - Round-trip a ping
    discover                        - Browse for servers on the network

  Data:
    get <key>                       - Fetch a model once
    watch <key>                     - Keep a model live and print changes
    unwatch <key>                   - Stop watching a model
    list <type(field=id)>           - Fetch the members of a relation
    create <type> <field=value>...  - Create a model
    update <key> <field=value>...   - Update a model
    delete <key>                    - Delete a model
    query <type> <name> [limit]     - Run a named query

  Presence:
    presence <user>                 - Watch a user's presence
    online / away / offline         - Set own status

  Account:
    login <email> <password>        - Log in; kept across sessions
    logout                          - Log out and start a fresh session
    passwd <old> <new>              - Change the password
    resetpw <email>                 - Ask for a password reset

  General:
    report <text>                   - Report an error to the server
    help                            - Show this help
    quit                            - Exit

  Values: numbers, true/false and null are typed; anything else is a string.`)
}

func (s *Shell) cmdStatus([]string) {
	fmt.Fprintf(s.out, "Connection: %s\n", s.c.State())
	if session := s.c.Session(); session != "" {
		fmt.Fprintf(s.out, "Session:    %s\n", session)
	}
	fmt.Fprintf(s.out, "Presence:   %s\n", s.c.Presence().Status())
	if user := s.c.Auth().UserID(); user != "" {
		fmt.Fprintf(s.out, "User:       %s\n", user)
	}
	fmt.Fprintf(s.out, "Pending:    %d request(s)\n", s.c.Pending())
	keys := s.c.Cache().Keys()
	fmt.Fprintf(s.out, "Cached:     %d subscription(s)\n", len(keys))
	for _, k := range keys {
		sub, _ := s.c.Cache().Lookup(k)
		fmt.Fprintf(s.out, "  %s (refs %d, ready %t)\n", k, sub.Refs(), sub.Ready())
	}
}

func (s *Shell) cmdPing([]string) {
	start := time.Now()
	s.c.Ping(func(err error) {
		if err != nil {
			fmt.Fprintf(s.out, "Ping failed: %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "Pong in %s\n", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Shell) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: get <key>")
		return
	}
	s.c.Store().Fetch(args[0], func(e *entity.Entity) {
		if e == nil {
			fmt.Fprintf(s.out, "%s: not found\n", args[0])
			return
		}
		s.printEntity(e)
	})
}

func (s *Shell) cmdWatch(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: watch <key>")
		return
	}
	key := args[0]
	if _, ok := s.watched[key]; ok {
		fmt.Fprintf(s.out, "Already watching %s\n", key)
		return
	}
	s.c.Store().Fetch(key, func(e *entity.Entity) {
		if e == nil {
			fmt.Fprintf(s.out, "%s: not found\n", key)
			return
		}
		if _, ok := s.watched[key]; ok {
			return
		}
		s.watched[key] = e.Heat()
		e.Subscribe(func(fc subscription.FieldChange) {
			if fc.Deleted {
				fmt.Fprintf(s.out, "[CHANGE] %s.%s deleted\n", key, fc.Field)
				return
			}
			fmt.Fprintf(s.out, "[CHANGE] %s.%s = %v\n", key, fc.Field, fc.Value)
		})
		s.printEntity(e)
	})
}

func (s *Shell) cmdUnwatch(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: unwatch <key>")
		return
	}
	e, ok := s.watched[args[0]]
	if !ok {
		fmt.Fprintf(s.out, "Not watching %s\n", args[0])
		return
	}
	delete(s.watched, args[0])
	e.Freeze()
}

func (s *Shell) cmdList(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: list <type(field=id)>")
		return
	}
	s.c.Store().FetchList(args[0], func(l *entity.List) {
		if l == nil {
			fmt.Fprintf(s.out, "%s: not found\n", args[0])
			return
		}
		fmt.Fprintf(s.out, "%s: %d member(s)\n", args[0], l.Len())
		for _, id := range l.IDs() {
			fmt.Fprintf(s.out, "  %s\n", id)
		}
	})
}

func (s *Shell) cmdCreate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: create <type> <field=value>...")
		return
	}
	data, err := ParseAssignments(args[1:])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.c.Store().Create(args[0], data, func(key string, err error) {
		if err != nil {
			fmt.Fprintf(s.out, "Create failed: %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "Created %s\n", key)
	})
}

func (s *Shell) cmdUpdate(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: update <key> <field=value>...")
		return
	}
	diff, err := ParseAssignments(args[1:])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.c.Store().Update(args[0], diff, s.report("Update"))
}

func (s *Shell) cmdDelete(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: delete <key>")
		return
	}
	s.c.Store().Delete(args[0], s.report("Delete"))
}

func (s *Shell) report(op string) func(error) {
	return func(err error) {
		if err != nil {
			fmt.Fprintf(s.out, "%s failed: %v\n", op, err)
			return
		}
		fmt.Fprintf(s.out, "%s ok\n", op)
	}
}

func (s *Shell) cmdQuery(args []string) {
	if len(args) < 2 || len(args) > 3 {
		fmt.Fprintln(s.out, "Usage: query <type> <name> [limit]")
		return
	}
	q := s.c.Store().Query(args[0], args[1])
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n <= 0 {
			fmt.Fprintf(s.out, "Invalid limit: %s\n", args[2])
			return
		}
		q.Limit(n)
	}
	q.Run(func(ids []string, err error) {
		if err != nil {
			fmt.Fprintf(s.out, "Query failed: %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "%d result(s)\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(s.out, "  %s\n", id)
		}
	})
}

func (s *Shell) cmdPresence(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: presence <user>")
		return
	}
	user := args[0]
	if _, ok := s.presence[user]; ok {
		fmt.Fprintf(s.out, "Already watching %s\n", user)
		return
	}
	s.presence[user] = s.c.Presence().Watch(user, func(st presence.Status) {
		fmt.Fprintf(s.out, "[PRESENCE] %s is %s\n", user, st)
	})
}

func (s *Shell) cmdReport(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "Usage: report <text>")
		return
	}
	if !s.c.RecordError(strings.Join(args, " ")) {
		fmt.Fprintln(s.out, "Report dropped (rate limited)")
	}
}

func (s *Shell) cmdLogin(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: login <email> <password>")
		return
	}
	s.c.Auth().Auth(args[0], args[1], func(err error) {
		if err != nil {
			fmt.Fprintf(s.out, "Login failed: %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "Logged in as %s\n", s.c.Auth().UserID())
	})
}

func (s *Shell) cmdPasswd(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: passwd <old> <new>")
		return
	}
	s.c.Auth().ChangePassword(args[0], args[1], s.report("Password change"))
}

func (s *Shell) cmdResetPassword(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: resetpw <email>")
		return
	}
	s.c.Auth().ResetPassword(args[0], s.report("Password reset"))
}

func (s *Shell) cmdDiscover(ctx context.Context) {
	fmt.Fprintln(s.out, "Browsing for servers...")
	browseCtx, cancel := context.WithTimeout(ctx, discovery.BrowseTimeout)
	defer cancel()

	results, err := discovery.NewBrowser(discovery.BrowserConfig{}).Browse(browseCtx)
	if err != nil {
		fmt.Fprintf(s.out, "Discovery error: %v\n", err)
		return
	}
	n := 0
	for srv := range results {
		n++
		u, err := srv.URL()
		if err != nil {
			u = err.Error()
		}
		fmt.Fprintf(s.out, "  %d. %s (%s)\n", n, srv.Name, u)
	}
	if n == 0 {
		fmt.Fprintln(s.out, "No servers found")
	}
}

func (s *Shell) printEntity(e *entity.Entity) {
	fields := e.Fields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(s.out, "%s\n", e.ID())
	for _, name := range names {
		fmt.Fprintf(s.out, "  %-16s %v\n", name, fields[name])
	}
}
