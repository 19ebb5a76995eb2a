package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	bizadmin "github.com/bizadmin-io/bizadmin-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	watchNoRealtime bool
	watchListen     string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchNoRealtime, "no-realtime", false, "Do not open the WebSocket channel")
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "Address for the change notice receiver (overrides hook.listen)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow server changes and cache invalidations",
	Long: `Keep a client running and print every cache invalidation it performs.

Changes arrive over the realtime WebSocket channel and, when hook.secret is
configured, as signed change notices posted to hook.listen. The invalidation
table override file (cache.invalidation_file) is reloaded when it changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		off := client.Events().On(bizadmin.EventAll, func(event string, payload any) {
			mu.Lock()
			defer mu.Unlock()
			printWatchEvent(out, event, payload)
		})
		defer off()

		g, ctx := errgroup.WithContext(ctx)
		started := 0

		if !watchNoRealtime {
			ws := client.Realtime.NewWS(bizadmin.RealtimeConfig{AutoReconnect: true, MaxReconnectAttempts: -1})
			if err := ws.Connect(ctx); err != nil {
				return fmt.Errorf("realtime connect: %w", err)
			}
			started++
			g.Go(func() error {
				select {
				case <-ctx.Done():
				case <-ws.Done():
				}
				ws.Close()
				return nil
			})
		}

		listen := watchListen
		if listen == "" {
			listen = cfg.Hook.Listen
		}
		if listen != "" {
			hook, err := bizadmin.NewChangeHook(client, cfg.Hook.Secret, nil)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: listen, Handler: hook, ReadHeaderTimeout: 10 * time.Second}
			started++
			g.Go(func() error {
				logger.Info("change notice receiver listening", zap.String("addr", listen))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		if started == 0 {
			return fmt.Errorf("nothing to watch: realtime is disabled and no hook.listen is configured")
		}
		if cfg.Cache.InvalidationFile != "" {
			tw, err := bizadmin.NewTableWatcher(client, cfg.Cache.InvalidationFile)
			if err != nil {
				return fmt.Errorf("watch invalidation table: %w", err)
			}
			g.Go(func() error { return tw.Run(ctx) })
		}

		fmt.Fprintln(out, "Watching for changes. Press Ctrl-C to stop.")
		return g.Wait()
	},
}

func printWatchEvent(out io.Writer, event string, payload any) {
	ts := time.Now().Format("15:04:05")
	switch p := payload.(type) {
	case bizadmin.InvalidationEvent:
		fmt.Fprintf(out, "%s %-18s %s marked %d (%v)\n", ts, event, p.Source, p.Marked, p.Prefixes)
	case bizadmin.RealtimeState:
		fmt.Fprintf(out, "%s %-18s %s\n", ts, event, p)
	case bizadmin.RealtimeEnvelope:
		fmt.Fprintf(out, "%s %-18s %s %s\n", ts, event, p.Type, string(p.Payload))
	case bizadmin.TableReloadEvent:
		if p.Err != nil {
			fmt.Fprintf(out, "%s %-18s %s kept previous table: %v\n", ts, event, p.Path, p.Err)
		} else {
			fmt.Fprintf(out, "%s %-18s %s\n", ts, event, p.Path)
		}
	default:
		fmt.Fprintf(out, "%s %-18s %v\n", ts, event, payload)
	}
}
