// portal is the operator and signage client of the token service: it logs
// operators in, issues and prints tickets, works the per-division queue,
// and drives public displays.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/token-portal/internal/config"
	"qms/token-portal/internal/session"
	"qms/token-portal/internal/telemetry"
	"qms/token-portal/internal/tokenapi"
)

type app struct {
	cfg     config.Portal
	session *session.Session
	api     *tokenapi.Client
	out     io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"login", "authenticate and store the session", runLogin},
	{"logout", "forget the stored session", runLogout},
	{"issue", "issue a ticket and print its receipt", runIssue},
	{"worklist", "list, advance or cancel today's tickets", runWorklist},
	{"display", "poll tickets and drive a public display", runDisplay},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, tokenapi.ErrUnauthorized) {
			fmt.Fprintln(os.Stderr, "error: session expired or invalid; run `portal login`")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(os.Stderr)
		return nil
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg := config.LoadPortal()
	shutdownTelemetry := telemetry.Setup("portal", cfg.Telemetry)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	sess := session.New(cfg.SessionFile)
	if err := sess.Load(); err != nil && !errors.Is(err, session.ErrNoSession) {
		log.Printf("session load error path=%s: %v", sess.Path(), err)
	}

	a := &app{
		cfg:     cfg,
		session: sess,
		api: tokenapi.New(tokenapi.Config{
			BaseURL: cfg.APIBaseURL,
			Timeout: cfg.APITimeout,
			Tokens:  sess,
		}),
		out: os.Stdout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return cmd.run(ctx, a, args[1:])
}

func (a *app) requireSession() error {
	if a.session.Token() == "" {
		return tokenapi.ErrUnauthorized
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: portal <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run `portal <command> --help` for command flags.")
}
