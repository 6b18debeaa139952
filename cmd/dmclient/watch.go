package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketfeed/marketfeed/internal/app/httpapi"
	"github.com/marketfeed/marketfeed/internal/messages"
)

var watchNoHTTP bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep conversations current and print them as they change",
	Long: `watch opens a live session: the conversation list is reloaded on every
new message sent or received, and reprinted whenever it changes.

When metrics.addr is set a local HTTP API serves the same view, plus
/metrics and /healthz.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		userID, err := e.currentUser(ctx)
		if err != nil {
			return err
		}

		var opts []messages.SessionOption
		opts = append(opts, messages.WithSessionLogger(e.log.Named("session")))
		if e.cfg.Refresh.Schedule != "" {
			opts = append(opts, messages.WithResync(e.cfg.Refresh.Schedule))
		}
		session, err := messages.Open(ctx, e.agg, userID, opts...)
		if err != nil {
			return err
		}
		defer session.Close()

		if addr := e.cfg.Metrics.Addr; addr != "" && !watchNoHTTP {
			srv := &http.Server{
				Addr: addr,
				Handler: httpapi.NewHandler(session, e.agg, httpapi.Config{
					Token:     e.cfg.Metrics.Token,
					SendRate:  int(e.cfg.Send.RatePerSecond),
					SendBurst: e.cfg.Send.Burst,
					Log:       e.log.Named("httpapi"),
				}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				e.log.WithField("addr", addr).Info("http api listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.log.WithError(err).Error("http api stopped")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		// Updates coalesce, so one render may cover several loads and
		// profile merges.
		render := func() {
			view := session.Current()
			if view == nil {
				return
			}
			e.printer.Info("Conversations updated")
			e.printer.Conversations(view.Conversations())
		}
		render()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-session.Done():
				return nil
			case <-session.Updates():
				render()
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoHTTP, "no-http", false, "do not start the local HTTP API")
	rootCmd.AddCommand(watchCmd)
}
