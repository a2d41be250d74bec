package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Skotchmaster/rbe_session/internal/domain"
)

var errSessionInvalid = errors.New("session is not valid")

func newStatusCmd() *cobra.Command {
	var check bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if check {
					if _, err := a.session.EnsureSession(ctx); err != nil {
						return fmt.Errorf("check session: %w", err)
					}
				}
				snap := a.session.Snapshot()
				if asJSON {
					return printJSON(cmd.OutOrStdout(), snap)
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "State:    %s\n", snap.State)
				if a.remote != nil {
					fmt.Fprintf(w, "API:      %s\n", a.remote.BaseURL())
				} else {
					fmt.Fprintln(w, "API:      offline")
				}
				fmt.Fprintf(w, "Token:    %s\n", snap.TokenFlavor)
				if snap.User != nil {
					fmt.Fprintf(w, "User:     %s (id %s)\n", snap.User.Username, snap.User.ID)
					fmt.Fprintf(w, "Roles:    %v\n", snap.Roles)
				}
				if snap.Member != nil {
					fmt.Fprintf(w, "Member:   %s\n", snap.Member.MemberNumber)
				} else if snap.MemberError != "" {
					fmt.Fprintf(w, "Member:   unavailable (%s)\n", snap.MemberError)
				}
				if snap.SessionChecked {
					fmt.Fprintf(w, "Checked:  %s\n", snap.CheckedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Revalidate the token before printing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the session as JSON")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the stored token without changing the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				outcome := a.valid.Validate(ctx, a.tokens.Get())
				fmt.Fprintln(cmd.OutOrStdout(), outcome.String())
				if !outcome.Valid() {
					return fmt.Errorf("%w: %s", errSessionInvalid, outcome)
				}
				return nil
			})
		},
	}
}

func newCanCmd() *cobra.Command {
	var userID string
	var role string

	cmd := &cobra.Command{
		Use:   "can <resource> <action>",
		Short: "Answer whether the session user may perform an action",
		Long:  "Resolve a permission through the user's individual rows and role defaults. --user and --role evaluate another principal instead.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := domain.ParseResource(args[0])
			if err != nil {
				return err
			}
			act, err := domain.ParseAction(args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				id := domain.ID(userID)
				r := domain.NormalizeRole(role)
				if userID == "" && role == "" {
					snap := a.session.Snapshot()
					r = domain.PrimaryRoleOf(snap.User)
					if snap.User != nil {
						id = snap.User.ID
					}
				} else if role == "" {
					r = domain.RoleMember
				}
				if id != "" && a.remote != nil {
					if _, err := a.perms.Load(ctx, id); err != nil {
						return fmt.Errorf("load permissions: %w", err)
					}
				}

				d := a.session.Model().Decide(id, r, res, act)
				verdict := "denied"
				if d.Allowed {
					verdict = "allowed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s: %s (%s)\n", r, act, res, verdict, d.Source)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id to evaluate")
	cmd.Flags().StringVar(&role, "role", "", "Role to evaluate")
	return cmd
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local application cache",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached entries, keeping the session token and user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.cache.ClearAppCache(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(clearCmd)
	return cmd
}
