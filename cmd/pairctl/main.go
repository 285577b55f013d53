// pairctl is a command-line participant for the pairing backend. It submits
// questionnaire answers, chats, keeps presence alive, and places or answers
// calls through the signal relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tbourn/go-pairing-backend/internal/call"
	"github.com/tbourn/go-pairing-backend/internal/client"
	"github.com/tbourn/go-pairing-backend/internal/config"
	"github.com/tbourn/go-pairing-backend/internal/domain"
	"github.com/tbourn/go-pairing-backend/internal/sysutil"
)

const (
	defaultServer = "http://localhost:8080/api/v1"
	hangupTimeout = 3 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env carries what every subcommand needs.
type env struct {
	api     *client.Client
	polling config.PollingConfig
	ice     []string
	out     io.Writer
	log     zerolog.Logger
}

type command struct {
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"submit":    {"submit --answers 3,2,4,1,2", runSubmit},
	"status":    {"status", runStatus},
	"queue":     {"queue", runQueue},
	"contacts":  {"contacts", runContacts},
	"send":      {"send <peer> <text...> [--key K]", runSend},
	"history":   {"history <peer> [--watch] [--limit N]", runHistory},
	"heartbeat": {"heartbeat [--watch]", runHeartbeat},
	"call":      {"call <peer>", runCall},
	"listen":    {"listen [--reject]", runListen},
}

func run(ctx context.Context, argv []string, out io.Writer) error {
	var server, user, level string
	var pretty bool

	flagSet := pflag.NewFlagSet("pairctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&server, "server", "s", sysutil.FirstNonEmpty(os.Getenv("PAIRCTL_SERVER"), defaultServer), "API base URL")
	flagSet.StringVarP(&user, "user", "u", os.Getenv("PAIRCTL_USER"), "identity to act as")
	flagSet.StringVar(&level, "log-level", "warn", "log level")
	flagSet.BoolVar(&pretty, "pretty", sysutil.IsTruthy(os.Getenv("LOG_PRETTY")), "human-readable logs")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return errors.New("missing command")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if strings.TrimSpace(user) == "" {
		return errors.New("--user (or PAIRCTL_USER) is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sysutil.SetLogLevel(level)
	logger := sysutil.NewLogger(os.Stderr, pretty, "pairctl").With().Str("user", user).Logger()

	api, err := client.New(client.Config{BaseURL: server, User: user, Log: logger})
	if err != nil {
		return err
	}
	e := &env{api: api, polling: cfg.Polling, ice: cfg.ICEServers, out: out, log: logger}
	return cmd.run(ctx, e, args[1:])
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage:\n  pairctl [flags] <command> [args]\n\nCommands:\n")
	for _, name := range []string{"submit", "status", "queue", "contacts", "send", "history", "heartbeat", "call", "listen"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

func subFlags(name string) *pflag.FlagSet {
	return pflag.NewFlagSet("pairctl "+name, pflag.ContinueOnError)
}

// ---------- participant commands ----------

func runSubmit(ctx context.Context, e *env, args []string) error {
	fs := subFlags("submit")
	answers := fs.IntSlice("answers", nil, "comma-separated answers, each 0-4")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*answers) == 0 {
		return errors.New("--answers is required")
	}
	res, err := e.api.SubmitProfile(ctx, e.api.User(), *answers)
	if err != nil {
		return err
	}
	printMatch(e.out, res.Matched, res.Peer, res.Compatibility, res.SharedInterests, res.Greeting)
	return nil
}

func runStatus(ctx context.Context, e *env, _ []string) error {
	res, err := e.api.Match(ctx, e.api.User())
	if err != nil {
		return err
	}
	printMatch(e.out, res.Matched, res.Peer, res.Compatibility, res.SharedInterests, res.Greeting)
	return nil
}

func printMatch(w io.Writer, matched bool, peer string, score int, interests []string, greeting string) {
	if !matched {
		fmt.Fprintln(w, greeting)
		return
	}
	fmt.Fprintf(w, "matched with %s (%d%%)\n", peer, score)
	if len(interests) > 0 {
		fmt.Fprintf(w, "shared: %s\n", strings.Join(interests, ", "))
	}
	fmt.Fprintln(w, greeting)
}

func runQueue(ctx context.Context, e *env, _ []string) error {
	st, err := e.api.Queue(ctx, e.api.User())
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "waiting=%d position=%d matches_today=%d avg_wait=%s\n",
		st.Waiting, st.Position, st.MatchesToday, st.AvgWait)
	return nil
}

func runContacts(ctx context.Context, e *env, _ []string) error {
	list, err := e.api.Contacts(ctx, e.api.User())
	if err != nil {
		return err
	}
	for _, c := range list {
		status := "offline"
		if c.Online {
			status = "online"
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Fprintf(e.out, "%-16s %3d%% %-7s unread=%d %s\n", c.Peer, c.Compatibility, status, c.Unread, last)
	}
	return nil
}

func runHeartbeat(ctx context.Context, e *env, args []string) error {
	fs := subFlags("heartbeat")
	watch := fs.Bool("watch", false, "keep sending heartbeats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	beat := func(ctx context.Context) error {
		_, err := e.api.Heartbeat(ctx)
		return err
	}
	if !*watch {
		return beat(ctx)
	}
	return ignoreCancel(client.Loop{Name: "heartbeat", Interval: e.polling.Heartbeat, Tick: beat, Log: e.log}.Run(ctx))
}

// ---------- chat commands ----------

func runSend(ctx context.Context, e *env, args []string) error {
	fs := subFlags("send")
	key := fs.String("key", "", "idempotency key for safe retries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("usage: pairctl send <peer> <text...> [--key K]")
	}
	msg, err := e.api.SendMessage(ctx, fs.Arg(0), strings.Join(fs.Args()[1:], " "), *key)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "sent %s\n", msg.ID)
	return nil
}

func runHistory(ctx context.Context, e *env, args []string) error {
	fs := subFlags("history")
	watch := fs.Bool("watch", false, "poll for new messages")
	limit := fs.Int("limit", 0, "max messages (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: pairctl history <peer> [--watch] [--limit N]")
	}
	peer := fs.Arg(0)

	seen := make(map[string]struct{})
	show := func(ctx context.Context) error {
		msgs, err := e.api.History(ctx, peer, *limit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			fmt.Fprintf(e.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content)
		}
		return nil
	}
	if !*watch {
		return show(ctx)
	}
	return ignoreCancel(client.Loop{Name: "chat", Interval: e.polling.Chat, Tick: show, Log: e.log}.Run(ctx))
}

// ---------- call commands ----------

func (e *env) newMachine(peer string) *call.Machine {
	media := call.NewMediaSource("pairctl-" + e.api.User())
	factory := call.NewPionFactory(call.PionConfig{ICEServers: call.ParseICEServers(e.ice)}, media)
	return call.New(call.Config{
		Peer:         peer,
		Relay:        e.api,
		Media:        media,
		NewSession:   factory,
		PollInterval: e.polling.Call,
		Log:          e.log,
		OnState: func(from, to call.State) {
			fmt.Fprintf(e.out, "call: %s -> %s\n", from, to)
		},
	})
}

func runCall(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: pairctl call <peer>")
	}
	m := e.newMachine(args[0])
	if err := m.Dial(ctx); err != nil {
		return err
	}
	return runUntilEnded(ctx, m)
}

func runListen(ctx context.Context, e *env, args []string) error {
	fs := subFlags("listen")
	reject := fs.Bool("reject", false, "decline the incoming call")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintln(e.out, "waiting for a call...")
	invite, err := e.api.WaitForInvite(ctx, e.polling.Invites)
	if err != nil {
		return ignoreCancel(err)
	}
	fmt.Fprintf(e.out, "incoming call from %s\n", invite.Sender)

	m := e.newMachine("")
	if err := m.Handle(ctx, call.Event{Kind: domain.SignalInvite, From: invite.Sender}); err != nil {
		return err
	}
	if *reject {
		return m.Reject(ctx)
	}
	if err := m.Answer(ctx); err != nil {
		return err
	}
	return runUntilEnded(ctx, m)
}

// runUntilEnded drives m until the call ends. Interrupting hangs up first
// so the peer is told.
func runUntilEnded(ctx context.Context, m *call.Machine) error {
	err := m.Run(ctx)
	if errors.Is(err, context.Canceled) {
		hctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		if herr := m.Hangup(hctx); herr != nil && !errors.Is(herr, call.ErrEnded) {
			return herr
		}
		return nil
	}
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
