package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/permissions"
)

func newPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Manage individual permission rows",
	}
	cmd.AddCommand(
		newPermListCmd(),
		newPermGrantCmd(),
		newPermUpdateCmd(),
		newPermRevokeCmd(),
		newPermStatsCmd(),
	)
	return cmd
}

func newPermListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's individual rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := domain.ID(args[0])
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.perms.Load(ctx, user); err != nil {
					return fmt.Errorf("list permissions: %w", err)
				}
				active, expired := a.perms.View(user, time.Now())
				w := cmd.OutOrStdout()
				if len(active)+len(expired) == 0 {
					fmt.Fprintln(w, "No individual permissions.")
					return nil
				}
				fmt.Fprintf(w, "%-38s  %-16s  %-24s  %-8s  %s\n", "ID", "RESOURCE", "ACTIONS", "STATE", "EXPIRES")
				writeRows(w, active, "active")
				writeRows(w, expired, "expired")
				return nil
			})
		},
	}
}

func writeRows(w io.Writer, rows []domain.Permission, state string) {
	for _, p := range rows {
		acts := make([]string, 0, len(p.Actions))
		for _, a := range p.Actions {
			acts = append(acts, string(a))
		}
		expires := "never"
		if p.ExpiresAt != nil {
			expires = p.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-38s  %-16s  %-24s  %-8s  %s\n", p.ID, p.Resource, strings.Join(acts, ","), state, expires)
	}
}

type grantFlags struct {
	reason  string
	expires string
}

func (f *grantFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.reason, "reason", "", "Why the permission is granted")
	cmd.Flags().StringVar(&f.expires, "expires", "", "Expiry as a duration from now (72h) or an RFC 3339 time; empty for permanent")
}

func (f *grantFlags) request(resource string, actions []string) (permissions.GrantRequest, error) {
	res, err := domain.ParseResource(resource)
	if err != nil {
		return permissions.GrantRequest{}, err
	}
	req := permissions.GrantRequest{Resource: res, Reason: f.reason}
	for _, raw := range actions {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			act, err := domain.ParseAction(part)
			if err != nil {
				return permissions.GrantRequest{}, err
			}
			req.Actions = append(req.Actions, act)
		}
	}
	if f.expires != "" {
		at, err := parseExpiry(f.expires, time.Now())
		if err != nil {
			return permissions.GrantRequest{}, err
		}
		req.ExpiresAt = &at
	}
	return req, nil
}

func parseExpiry(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(d).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: use a duration or an RFC 3339 time", v)
	}
	return t.UTC(), nil
}

func newPermGrantCmd() *cobra.Command {
	var flags grantFlags

	cmd := &cobra.Command{
		Use:   "grant <user-id> <resource> <action>...",
		Short: "Grant actions on a resource to a user",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[1], args[2:])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.perms.AddPermission(ctx, domain.ID(args[0]), req)
				if err != nil {
					return fmt.Errorf("grant permission: %w", err)
				}
				if err := a.saveOfflineGrants(ctx); err != nil {
					return fmt.Errorf("save permissions: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newPermUpdateCmd() *cobra.Command {
	var flags grantFlags

	cmd := &cobra.Command{
		Use:   "update <user-id> <permission-id> <resource> <action>...",
		Short: "Replace the actions, reason or expiry of a row",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[2], args[3:])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.perms.UpdatePermission(ctx, domain.ID(args[0]), domain.ID(args[1]), req)
				if err != nil {
					return fmt.Errorf("update permission: %w", err)
				}
				if err := a.saveOfflineGrants(ctx); err != nil {
					return fmt.Errorf("save permissions: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newPermRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user-id> <permission-id>",
		Short: "Delete a row; the user falls back to role defaults",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.perms.RemovePermission(ctx, domain.ID(args[0]), domain.ID(args[1])); err != nil {
					return fmt.Errorf("revoke permission: %w", err)
				}
				if err := a.saveOfflineGrants(ctx); err != nil {
					return fmt.Errorf("save permissions: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[1])
				return nil
			})
		},
	}
}

func newPermStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize every individual row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				s, err := a.perms.Stats(ctx)
				if err != nil {
					return fmt.Errorf("permission stats: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
}
