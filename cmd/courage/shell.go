package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/newtricks/courage-go/pkg/client"
	"github.com/newtricks/courage-go/pkg/subscription"
	"github.com/newtricks/courage-go/pkg/wire"
)

func newShellCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session",
		Long: `Start an interactive session. The connection is opened and closed on
demand, so registered channels can be replayed repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.ErrOrStderr()); err != nil {
				return err
			}
			defer a.close()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "courage> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				AutoComplete:    shellCompleter,
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			s, err := newShell(a, rl.Stdout())
			if err != nil {
				return err
			}
			return s.run(cmd.Context(), rl)
		},
	}
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("status"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("subscribe"),
	readline.PcItem("register"),
	readline.PcItem("unregister"),
	readline.PcItem("channels"),
	readline.PcItem("replay"),
	readline.PcItem("history"),
	readline.PcItem("hex"),
	readline.PcItem("quit"),
)

// shell executes interactive commands against one client.
type shell struct {
	app *app
	c   *client.Client

	mu    sync.Mutex
	out   io.Writer
	hex   bool
	names map[string]channel
}

func newShell(a *app, out io.Writer) (*shell, error) {
	s := &shell{
		app:   a,
		out:   out,
		names: make(map[string]channel),
	}
	c, err := a.newClient(client.WithConnectionLostHandler(func(err error) {
		s.printf("connection lost: %v\n", err)
	}))
	if err != nil {
		return nil, err
	}
	s.c = c
	return s, nil
}

// run reads commands until quit, EOF or ctx ends.
func (s *shell) run(ctx context.Context, rl *readline.Instance) error {
	defer s.c.Disconnect()

	s.printHelp()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		if s.exec(ctx, line) {
			return nil
		}
	}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) handler(ch channel) client.Handler {
	return func(payload []byte) {
		s.mu.Lock()
		defer s.mu.Unlock()
		printEvent(s.out, ch, payload, s.hex)
	}
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "status", "st":
		s.cmdStatus()
	case "connect", "c":
		s.report(s.c.Connect(ctx))
	case "disconnect", "d":
		s.report(s.c.Disconnect())
	case "subscribe", "sub":
		s.cmdSubscribe(ctx, args)
	case "register", "reg":
		s.cmdRegister(args)
	case "unregister", "unreg":
		s.cmdUnregister(args)
	case "channels", "ch":
		s.cmdChannels()
	case "replay", "catch-up":
		result := s.c.ReplayAndDisconnect(ctx, nil)
		s.printf("replay: %s\n", result)
	case "history":
		s.cmdHistory()
	case "hex":
		s.mu.Lock()
		s.hex = !s.hex
		fmt.Fprintf(s.out, "hex output: %v\n", s.hex)
		s.mu.Unlock()
	case "quit", "exit", "q":
		return true
	default:
		s.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *shell) report(err error) {
	if err != nil {
		s.printf("error: %v\n", err)
		return
	}
	s.printf("ok (%s)\n", s.c.State())
}

func (s *shell) resolve(arg string) (channel, error) {
	if ch, ok := s.names[arg]; ok {
		return ch, nil
	}
	chs, err := s.app.channels([]string{arg})
	if err != nil {
		return channel{}, err
	}
	return chs[0], nil
}

func (s *shell) cmdStatus() {
	s.printf("state:    %s\n", s.c.State())
	s.printf("broker:   %s\n", s.c.Config().Address())
	s.printf("sessions: %d\n", s.c.Sessions())
	s.printf("channels: %d registered\n", len(s.c.Channels()))
}

func (s *shell) cmdSubscribe(ctx context.Context, args []string) {
	if len(args) < 1 {
		s.printf("usage: subscribe <channel> [options]\n")
		return
	}
	ch, err := s.resolve(args[0])
	if err != nil {
		s.printf("error: %v\n", err)
		return
	}

	var sess *subscription.Session
	if len(args) > 1 {
		opts, perr := wire.ParseOptions(args[1])
		if perr != nil {
			s.printf("error: %v\n", perr)
			return
		}
		sess, err = s.c.SubscribeWithOptions(ctx, ch.ID, opts, s.handler(ch))
	} else {
		sess, err = s.c.Subscribe(ctx, ch.ID, s.handler(ch))
	}
	if err != nil {
		s.printf("error: %v\n", err)
		return
	}
	s.names[ch.Label()] = ch
	s.printf("subscribed %s (%s)\n", ch.Label(), sess.Options())
}

func (s *shell) cmdRegister(args []string) {
	if len(args) == 0 {
		chs, err := s.app.channels(nil)
		if err != nil {
			s.printf("error: %v\n", err)
			return
		}
		for _, ch := range chs {
			s.c.RegisterChannel(ch.ID, s.handler(ch))
			s.names[ch.Label()] = ch
		}
		s.printf("registered %d channels\n", len(chs))
		return
	}
	for _, arg := range args {
		ch, err := s.resolve(arg)
		if err != nil {
			s.printf("error: %v\n", err)
			return
		}
		s.c.RegisterChannel(ch.ID, s.handler(ch))
		s.names[ch.Label()] = ch
		s.printf("registered %s\n", ch.Label())
	}
}

func (s *shell) cmdUnregister(args []string) {
	for _, arg := range args {
		ch, err := s.resolve(arg)
		if err != nil {
			s.printf("error: %v\n", err)
			return
		}
		s.c.UnregisterChannel(ch.ID)
		s.printf("unregistered %s\n", ch.Label())
	}
}

func (s *shell) cmdChannels() {
	ids := s.c.Channels()
	if len(ids) == 0 {
		s.printf("no registered channels\n")
		return
	}
	for _, id := range ids {
		state := "-"
		if sess, err := s.c.Session(id); err == nil {
			state = sess.State().String()
		}
		s.printf("  %s  %s\n", id, state)
	}
}

func (s *shell) cmdHistory() {
	chs, err := s.app.lastReplays()
	if err != nil {
		s.printf("error: %v\n", err)
		return
	}
	if len(chs) == 0 {
		s.printf("no replay history\n")
		return
	}
	for _, ch := range chs {
		label := ch.Name
		if label == "" {
			label = ch.ChannelID.String()
		}
		s.printf("  %-36s %-10s %4d events  %s\n", label, ch.LastResult, ch.Events, ch.LastReplayAt.Format("2006-01-02 15:04:05"))
	}
}

func (s *shell) printHelp() {
	s.printf(`
Courage Shell Commands:
  Connection:
    connect              - Connect to the broker
    disconnect           - Disconnect
    status               - Show connection status

  Channels:
    subscribe <ch> [opt] - Subscribe now (opt: default, replay, replay-only)
    register [ch...]     - Register channels for replay (default: configured)
    unregister <ch...>   - Remove channels from the replay set
    channels             - List registered channels
    replay               - Replay registered channels, then disconnect
    history              - Show recorded replay outcomes

  Other:
    hex                  - Toggle hex payload output
    help                 - Show this help
    quit                 - Exit
`)
}
