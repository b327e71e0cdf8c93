package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/crewplan/crewplan-sync/internal/config"
	"github.com/crewplan/crewplan-sync/internal/supabase"
)

var flagLoginEmail string

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password and save the session",
		Long: `Exchanges email and password for a session and saves it, so later
commands act as that user instead of the anonymous role. The password is
read from ` + config.EnvPassword + ` or prompted for; it is never stored.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().StringVar(&flagLoginEmail, "email", "", "account email (default: config or "+config.EnvEmail+")")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and remove the saved session",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the user the saved session belongs to",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg := resolvedCfg
	if err := cfg.RequireProject(); err != nil {
		return err
	}

	email := cfg.Supabase.Email
	if flagLoginEmail != "" {
		email = flagLoginEmail
	}

	stdin := bufio.NewReader(os.Stdin)

	if email == "" {
		email, err = prompt(stdin, os.Stderr, "Email: ")
		if err != nil {
			return err
		}
	}

	password := config.ReadEnvOverrides().Password
	if password == "" {
		password, err = readPassword(os.Stdin, stdin, os.Stderr)
		if err != nil {
			return err
		}
	}

	if email == "" || password == "" {
		return errors.New("email and password are required")
	}

	client := supabase.NewClient(
		cfg.Supabase.URL, cfg.Supabase.AnonKey, defaultHTTPClient(cfg), nil, logger, cfg.ClientOptions(),
	)

	user, err := client.Login(cmd.Context(), email, password, cfg.SessionPath())
	if err != nil {
		return err
	}

	statusf(flagQuiet, "Logged in as %s.\n", user.Email)

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	client, _, err := newClient(resolvedCfg, logger)
	if err != nil {
		return err
	}

	if err := client.Logout(cmd.Context(), resolvedCfg.SessionPath()); err != nil {
		return err
	}

	statusf(flagQuiet, "Logged out.\n")

	return nil
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg := resolvedCfg

	if err := cfg.RequireProject(); err != nil {
		return err
	}

	client := supabase.NewClient(
		cfg.Supabase.URL, cfg.Supabase.AnonKey, defaultHTTPClient(cfg), nil, logger, cfg.ClientOptions(),
	)

	ts, err := client.SessionTokenSource(cfg.SessionPath())
	if err != nil {
		if errors.Is(err, supabase.ErrNoSession) {
			return fmt.Errorf("not logged in: run 'crewplan-sync login' first")
		}

		return err
	}

	user, err := client.WithTokenSource(ts).CurrentUser(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetching user: %w", err)
	}

	if flagJSON {
		return printJSON(os.Stdout, user)
	}

	printTable(os.Stdout, []string{"EMAIL", "ID", "ROLE"}, [][]string{{user.Email, user.ID, user.Role}})

	return nil
}

// prompt writes label to out and reads one trimmed line from in.
func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return strings.TrimSpace(line), nil
}

// readPassword reads a password without echo when f is a terminal, or a
// plain line from buffered otherwise (piped input).
func readPassword(f *os.File, buffered *bufio.Reader, out io.Writer) (string, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return prompt(buffered, out, "Password: ")
	}

	fmt.Fprint(out, "Password: ")

	data, err := term.ReadPassword(fd)
	fmt.Fprintln(out)

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(data), nil
}
