package main

import (
	"context"
	"fmt"
	"time"

	engicom "github.com/engicom/engicom/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	notificationsType    string
	notificationsJSON    bool
	notificationsReadAll bool
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Notification feed commands",
}

func parseFilter(s string) (engicom.NotificationFilter, error) {
	switch s {
	case "", "all":
		return engicom.FilterAll, nil
	case "message", "messages":
		return engicom.FilterMessages, nil
	case "general":
		return engicom.FilterGeneral, nil
	}
	return "", fmt.Errorf("unknown --type %q (valid: all, message, general)", s)
}

// loadFeed fetches the server feed into a dispatcher so listing and
// read-marking go through the same code path as the live engine.
func loadFeed(ctx context.Context) (*engicom.NotificationDispatcher, error) {
	client, _ := getClient()
	feed := engicom.NewNotificationDispatcher(client.Notifications, nil, &engicom.DispatcherOptions{Logger: newLogger()})
	if err := feed.Load(ctx); err != nil {
		return nil, err
	}
	return feed, nil
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseFilter(notificationsType)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		feed, err := loadFeed(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		items := feed.Feed(filter)

		if notificationsJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}

		fmt.Printf("%d unread\n", feed.UnreadCount(filter))
		for _, n := range items {
			fmt.Println(formatNotification(n))
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark one notification, or all with --all, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !notificationsReadAll && len(args) == 0 {
			return fmt.Errorf("give a notification id or --all")
		}
		filter, err := parseFilter(notificationsType)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		feed, err := loadFeed(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if notificationsReadAll {
			before := feed.UnreadCount(filter)
			if err := feed.MarkAllRead(ctx, filter); err != nil {
				return err
			}
			fmt.Printf("Marked %d notification(s) as read.\n", before)
			return nil
		}

		if err := feed.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s as read.\n", args[0])
		return nil
	},
}

func formatNotification(n engicom.Notification) string {
	mark := " "
	if !n.Read {
		mark = "*"
	}
	who := valueOrDefault(n.Sender.Username, n.Sender.ID)
	var what string
	switch n.Type {
	case engicom.NotificationFollow:
		what = "started following you"
	case engicom.NotificationLike:
		what = "liked your post " + n.PostID
	case engicom.NotificationComment:
		what = "commented on " + n.PostID
	case engicom.NotificationShare:
		what = "shared " + n.PostID
	case engicom.NotificationMention:
		what = "mentioned you"
	case engicom.NotificationMessage:
		what = "sent you a message"
	default:
		what = string(n.Type)
	}
	line := fmt.Sprintf("%s %s  %s %s  (%s)", mark, n.ID, who, what, ago(n.CreatedAt))
	if n.Content != "" {
		line += ": " + preview(n.Content)
	}
	return line
}

func init() {
	notificationsListCmd.Flags().StringVar(&notificationsType, "type", "", "Filter: all, message or general")
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsReadCmd.Flags().BoolVar(&notificationsReadAll, "all", false, "Mark every notification as read")
	notificationsReadCmd.Flags().StringVar(&notificationsType, "type", "", "With --all: only this filter (all, message, general)")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	rootCmd.AddCommand(notificationsCmd)
}
