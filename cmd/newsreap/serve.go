package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/newsreap/newsreap/internal/api"
	"github.com/newsreap/newsreap/internal/manager"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := setup()
		if err != nil {
			return err
		}
		mgr := manager.New(ctx.Config, ctx.Logger)
		ctx.Pool = mgr
		defer mgr.Close()

		e := echo.New()
		api.RegisterRoutes(e, ctx)

		addr := serveAddr
		if addr == "" {
			addr = ":" + ctx.Config.Port
		}
		srv := &http.Server{Addr: addr, Handler: e}

		// shut down cleanly on Ctrl+C
		sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		ctx.Logger.Info("status API listening on %s", addr)

		select {
		case err := <-errCh:
			return err
		case <-sigCtx.Done():
		}

		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: :<config port>)")
}
