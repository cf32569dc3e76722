package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	engicom "github.com/engicom/engicom/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	chatsJSON      bool
	chatsSendFiles []string
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Conversation and message commands",
}

// ============================================================================
// chats list
// ============================================================================

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chats, err := client.Chats.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSON {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range chats {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			last, when := "", c.UpdatedAt
			if c.LatestMessage != nil {
				last = preview(c.LatestMessage.Content)
				when = c.LatestMessage.CreatedAt
			}
			fmt.Printf("  %s  with %s%s  %s  %s\n", c.ID, valueOrDefault(c.Peer(cfg.Auth.UserID), "?"), unread, ago(when), last)
		}
		return nil
	},
}

// ============================================================================
// chats messages
// ============================================================================

var chatsMessagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		cache := engicom.NewCache(client.Chats, client.Messages, &engicom.CacheOptions{Logger: newLogger()})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := cache.Messages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSON {
			return printJSON(messages)
		}
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			line := msg.Content
			for _, a := range msg.Attachments {
				line += fmt.Sprintf(" [%s]", valueOrDefault(a.Name, a.URL))
			}
			fmt.Printf("[%s] %s: %s\n", ago(msg.CreatedAt), msg.SenderID, line)
		}
		return nil
	},
}

// ============================================================================
// chats send
// ============================================================================

var chatsSendCmd = &cobra.Command{
	Use:   "send <chat-id> <recipient-id> <text>",
	Short: "Send a message",
	Long:  "Send a message to a conversation and relay it to the recipient's live sessions.\nAttach files with --file (repeatable).",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, recipientID, text := args[0], args[1], args[2]

		draft := engicom.Draft{Content: text}
		for _, path := range chatsSendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			draft.Attachments = append(draft.Attachments, engicom.Upload{
				Name:     filepath.Base(path),
				MimeType: mime.TypeByExtension(filepath.Ext(path)),
				Data:     data,
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		eng, err := startEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Logout()

		req := engicom.SendRequest{ConversationID: chatID, RecipientID: recipientID, Draft: draft}
		if len(draft.Attachments) > 0 && !chatsJSON {
			req.OnProgress = func(sent, total int64) {
				if total == 0 {
					return
				}
				fmt.Fprintf(os.Stderr, "\rUploading... %d%%", sent*100/total)
				if sent == total {
					fmt.Fprintln(os.Stderr)
				}
			}
		}

		msg, err := eng.Pipeline.Send(ctx, req)
		if err != nil {
			var sendErr *engicom.SendError
			if errors.As(err, &sendErr) {
				return fmt.Errorf("message not sent (%d characters kept): %w", len(sendErr.Draft.Content), sendErr.Err)
			}
			return err
		}

		if chatsJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	chatsListCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	chatsMessagesCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	chatsSendCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	chatsSendCmd.Flags().StringArrayVar(&chatsSendFiles, "file", nil, "Attach a file (repeatable)")

	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsMessagesCmd)
	chatsCmd.AddCommand(chatsSendCmd)
	rootCmd.AddCommand(chatsCmd)
}

// preview keeps long content on one line.
func preview(s string) string {
	return truncate(strings.ReplaceAll(s, "\n", " "), 60)
}
