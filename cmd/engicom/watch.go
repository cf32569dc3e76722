package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	engicom "github.com/engicom/engicom/sdk/golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchOpen    string
	watchMetrics string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print live messages, notifications and presence",
	Long: "Open the push connection and print events as they arrive until interrupted.\n" +
		"--open marks a conversation as on screen, so its messages raise no alert.\n" +
		"--metrics serves Prometheus metrics on the given address.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, cfg := getClient()
		reg := prometheus.NewRegistry()
		eng, err := engicom.NewEngine(client, &engicom.EngineOptions{
			Logger:     newLogger(),
			Registerer: reg,
		})
		if err != nil {
			return err
		}

		if watchMetrics != "" {
			srv := &http.Server{Addr: watchMetrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		eng.Cache.On(func(ev engicom.CacheEvent) {
			if ev.Kind != engicom.CacheMessageAppended || engicom.IsTempID(ev.MessageID) {
				return
			}
			if msg, ok := eng.Cache.Message(ev.ConversationID, ev.MessageID); ok {
				fmt.Printf("%s  [%s] %s: %s\n", stamp(), ev.ConversationID, msg.SenderID, preview(msg.Content))
			}
		})
		eng.Notifications.OnAlert(func(n engicom.Notification) {
			fmt.Printf("%s  ! %s\n", stamp(), strings.TrimSpace(formatNotification(n)))
		})
		eng.Presence.OnChange(func(online []string) {
			fmt.Printf("%s  online (%d): %s\n", stamp(), len(online), strings.Join(online, ", "))
		})

		loginCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = eng.Login(loginCtx, cfg.Auth.Token)
		cancel()
		if err != nil && eng.Self() == "" {
			return err
		}
		defer eng.Logout()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		if rt := eng.Realtime(); rt != nil {
			rt.OnDisconnected(func(err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s  connection lost: %v\n", stamp(), err)
				}
			})
			rt.OnReconnecting(func(a engicom.ReconnectAttempt) {
				fmt.Fprintf(os.Stderr, "%s  reconnecting (attempt %d in %s)\n", stamp(), a.Attempt, a.Delay.Round(time.Millisecond))
			})
		}
		if watchOpen != "" {
			eng.View.OpenConversation(watchOpen)
		}

		fmt.Printf("Watching as %s. Press Ctrl-C to stop.\n", eng.Self())
		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func stamp() string {
	return time.Now().Format("15:04:05")
}

func init() {
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "Treat this conversation as open (suppresses its alerts)")
	watchCmd.Flags().StringVar(&watchMetrics, "metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}
