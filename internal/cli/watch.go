package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/Skotchmaster/rbe_session/internal/httpserver"
	"github.com/Skotchmaster/rbe_session/internal/metrics"
	"github.com/Skotchmaster/rbe_session/pkg/logging"
)

func newWatchCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session validated and serve it over HTTP",
		Long: "watch revalidates the session on token changes, on POST /session/focus and every revalidate interval. " +
			"It serves the snapshot, permission checks and Prometheus metrics until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, func(ctx context.Context, a *app) error {
				return watch(ctx, a, listen)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9464", "Address for the session and metrics endpoints")
	return cmd
}

func watch(ctx context.Context, a *app, listen string) error {
	l := logging.FromContext(ctx).With("svc", "cli.watch")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second
	httpserver.Register(e, &httpserver.Deps{
		Session: a.session,
		Metrics: metrics.Handler(a.registry),
		Logger:  l,
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := e.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	l.Info("watching session", "listen", listen, "interval", a.cfg.RevalidateInterval.String())

	if _, err := a.session.EnsureSession(ctx); err != nil {
		l.Warn("initial check failed", "error", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.session.Run(ctx) }()

	var err error
	select {
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("serve: %w", err)
		}
		cancel()
		<-runErr
	case err = <-runErr:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		l.Warn("shutdown", "error", serr)
	}
	l.Info("watch stopped")
	return err
}
