// Package cli is the rbe-session command line: it drives the session manager
// against the configured collaborator or the local user directory.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Skotchmaster/rbe_session/pkg/config"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
)

var (
	flagAPIURL     string
	flagStorage    string
	flagUsersFile  string
	flagLogLevel   string
	flagDebug      bool
	flagKafka      []string
	flagKafkaTopic string

	cfg config.Config
)

// NewRootCmd creates the root cobra command for the rbe-session CLI.
func NewRootCmd() *cobra.Command {
	cfg = config.Load()

	root := &cobra.Command{
		Use:   "rbe-session",
		Short: "Session and permission client for the association dashboard",
		Long:  "rbe-session logs in against the dashboard API or a local user directory, keeps the session valid and answers permission questions.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			cfg.APIBaseURL = strings.TrimRight(flagAPIURL, "/")
			cfg.StorageDSN = flagStorage
			cfg.LocalUsersFile = flagUsersFile
			cfg.LogLevel = flagLogLevel
			cfg.KafkaBrokers = flagKafka
			cfg.KafkaTopic = flagKafkaTopic

			l := logging.NewWithWriter(cfg.LogLevel, cmd.ErrOrStderr())
			cmd.SetContext(logging.IntoContext(commandContext(cmd), l))
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagAPIURL, "api-url", cfg.APIBaseURL, "Dashboard API base URL, empty for offline mode (or RBE_API_URL env)")
	pf.StringVar(&flagStorage, "storage", cfg.StorageDSN, "Session storage: sqlite file DSN, postgres:// URL or \"memory\" (or RBE_STORAGE_DSN env)")
	pf.StringVar(&flagUsersFile, "users-file", cfg.LocalUsersFile, "YAML file of local fallback users (or RBE_LOCAL_USERS_FILE env)")
	pf.StringVar(&flagLogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	pf.StringSliceVar(&flagKafka, "kafka-brokers", cfg.KafkaBrokers, "Kafka brokers for session events (or RBE_KAFKA_BROKERS env)")
	pf.StringVar(&flagKafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for session events")

	root.AddCommand(
		newLoginCmd(),
		newMemberLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newValidateCmd(),
		newCanCmd(),
		newPermissionsCmd(),
		newCacheCmd(),
		newWatchCmd(),
	)

	return root
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withApp opens the application, starts the session and closes both when fn
// returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logging.FromContext(ctx).Warn("close failed", "error", cerr)
		}
	}()
	if err := a.start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return fn(ctx, a)
}
