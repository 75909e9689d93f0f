package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmp-portal/dmpsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchOpen        string
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "Conversation to follow (<conversationId> or <contextType>/<contextId>)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messaging events",
	Long:  "Connect the realtime socket and print conversation updates, presence changes, notifications and new messages until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := loadSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		m, err := newMessenger(s, reg)
		if err != nil {
			return err
		}
		defer m.Close()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		m.OnConnectionChange(func(st dmpsync.ConnectionState) {
			fmt.Printf("%s connection  %s\n", stamp(), st)
		})
		m.OnConversationUpdate(func(u dmpsync.ConversationUpdate) {
			fmt.Printf("%s update      %s unread=%d %s\n", stamp(), u.ConversationID, u.UnreadCount, u.LastMessage)
		})
		m.OnPresenceChange(func(p dmpsync.PresenceChange) {
			fmt.Printf("%s presence    %s %s %s\n", stamp(), p.UserType, p.UserID, p.Status)
		})
		m.OnNotification(func(n dmpsync.Notification) {
			fmt.Printf("%s notification %s %s\n", stamp(), n.Type, valueOrDefault(n.Title, n.Message))
		})
		m.OnNewMessage(func(msg dmpsync.Message) {
			fmt.Printf("%s message     %s ", stamp(), msg.ConversationID)
			printMessage(msg)
		})

		if err := m.ConnectWebSocket(ctx, ""); err != nil {
			// Reconnection stays armed; keep watching.
			slog.Warn("initial connect failed", "error", err)
		}

		if watchOpen != "" {
			engine, err := m.Open(ctx, parseTarget(watchOpen))
			if err != nil {
				slog.Warn("open conversation", "error", err)
			}
			if engine != nil {
				for _, msg := range engine.Messages() {
					printMessage(msg)
				}
			}
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func stamp() string {
	return time.Now().Format("15:04:05")
}
