package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"qms/token-portal/internal/session"

	"github.com/spf13/pflag"
)

func runLogin(ctx context.Context, a *app, args []string) error {
	var email, password string
	flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
	flags.StringVar(&email, "email", "", "operator email")
	flags.StringVar(&password, "password", "", "password (default: $PORTAL_PASSWORD, then stdin)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if email == "" {
		return errors.New("--email is required")
	}
	if password == "" {
		password = os.Getenv("PORTAL_PASSWORD")
	}
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	result, err := a.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := a.session.Save(session.Credentials{
		SessionID: result.SessionID,
		UserID:    result.UserID,
		Email:     email,
		Role:      result.Role,
		ExpiresAt: result.ExpiresAt,
	}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Logged in as %s (%s). Session saved to %s\n", email, result.Role, a.session.Path())
	return nil
}

func runLogout(_ context.Context, a *app, _ []string) error {
	if err := a.session.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Logged out.")
	return nil
}
