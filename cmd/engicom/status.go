package main

import (
	"context"
	"fmt"
	"time"

	engicom "github.com/engicom/engicom/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, when a token is stored, fetch live conversation and notification counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, engicom.DefaultBaseURL+" (default)"))
		fmt.Printf("  Timeout:     %s\n", valueOrDefault(cfg.Default.Timeout, "(default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		userID, err := engicom.IdentityFromToken(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  User ID:     (unreadable token: %v)\n", err)
			return nil
		}
		fmt.Printf("  User ID:     %s\n", userID)

		fmt.Println()
		fmt.Println("Live status:")

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		chats, err := client.Chats.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unreadChats := 0
		for _, c := range chats {
			if c.UnreadCount > 0 {
				unreadChats++
			}
		}
		fmt.Printf("  Conversations: %d (%d unread)\n", len(chats), unreadChats)

		notes, err := client.Notifications.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		unread := 0
		for _, n := range notes {
			if !n.Read {
				unread++
			}
		}
		fmt.Printf("  Notifications: %d (%d unread)\n", len(notes), unread)
		return nil
	},
}
