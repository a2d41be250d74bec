package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Skotchmaster/rbe_session/internal/session"
)

func newLoginCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in with a dashboard account",
		Long:  "Log in against the dashboard API, falling back to the local user directory when the API is unavailable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, args[0], password, func(ctx context.Context, a *app, id, pw string) (session.Snapshot, error) {
				return a.session.Login(ctx, id, pw)
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Account password (read from stdin if omitted)")
	return cmd
}

func newMemberLoginCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "member-login <email|matricule>",
		Short: "Log in with a member identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, args[0], password, func(ctx context.Context, a *app, id, pw string) (session.Snapshot, error) {
				return a.session.MemberLogin(ctx, id, pw)
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Member password (read from stdin if omitted)")
	return cmd
}

type loginFunc func(ctx context.Context, a *app, identifier, password string) (session.Snapshot, error)

func runLogin(cmd *cobra.Command, identifier, password string, login loginFunc) error {
	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = pw
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		snap, err := login(ctx, a, identifier, password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s, %s token)\n",
			snap.User.Username, snap.User.PrimaryRole(), snap.TokenFlavor)
		return nil
	})
}

// readPassword turns echo off when r is a terminal and falls back to a
// plain line read for pipes.
func readPassword(r io.Reader, prompt io.Writer) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(r)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and purge cached data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.session.Logout(ctx); err != nil {
					return fmt.Errorf("logout: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
