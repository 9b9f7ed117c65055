package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/talenthub/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	roomsPage int
	roomsSize int
	roomsJSON bool

	roomsCreateJob  string
	roomsCreateJSON bool

	messagesSize int
	messagesJSON bool

	sendJSON bool
)

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, s, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.ListRooms(ctx, chatsync.PageRequest{Page: roomsPage, Size: roomsSize})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsJSON {
			return printJSON(page)
		}
		if len(page.Content) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range page.Content {
			printRoom(c, s.Identity.UserID)
		}
		fmt.Printf("\nPage %d of %d (%d conversations)\n", page.Number+1, max(page.TotalPages, 1), page.TotalElements)
		return nil
	},
}

func printRoom(c chatsync.Conversation, selfID string) {
	name := c.JobTitle
	if p, ok := c.Counterpart(selfID); ok && p.Name != "" {
		name = p.Name
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
	}
	at := ""
	if t := c.Recency(); !t.IsZero() {
		at = t.Local().Format("2006-01-02 15:04")
	}
	fmt.Printf("%-6s %-24s %-16s %s%s\n", c.ID, truncate(name, 24), at, truncate(c.LastMessage.Preview(), 40), unread)
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <participant-id>",
	Short: "Start a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, s, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.CreateRoom(ctx, chatsync.CreateRoomOptions{ParticipantID: args[0], JobID: roomsCreateJob})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsCreateJSON {
			return printJSON(conv)
		}
		printRoom(*conv, s.Identity.UserID)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <room-id>",
	Short: "Show the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.ListMessages(ctx, args[0], chatsync.PageRequest{Size: messagesSize})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(page)
		}
		// Same ordering the live view uses.
		rec := chatsync.NewReconciler(chatsync.ReconcilerConfig{})
		gen := rec.OpenRoom(args[0])
		rec.MergeMessages(args[0], gen, page.Content)
		for _, m := range rec.Messages(args[0]) {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m chatsync.Message) {
	sender := valueOrDefault(m.SenderName, m.SenderID)
	text := m.Content
	if m.Attachment != nil {
		text = strings.TrimSpace(text + " [file: " + valueOrDefault(m.Attachment.Name, m.Attachment.URL) + "]")
	}
	fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("01-02 15:04:05"), sender, text)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <text...>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, args[0], chatsync.SendOptions{
			Content:  strings.Join(args[1:], " "),
			ClientID: newClientID(),
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent message %s to room %s\n", msg.ID, msg.RoomID)
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	roomsCmd.Flags().IntVar(&roomsPage, "page", 0, "Zero-based page number")
	roomsCmd.Flags().IntVarP(&roomsSize, "size", "n", 20, "Page size")
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output JSON")

	roomsCreateCmd.Flags().StringVar(&roomsCreateJob, "job", "", "Job posting the conversation is about")
	roomsCreateCmd.Flags().BoolVar(&roomsCreateJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesSize, "limit", "n", 20, "Number of messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	roomsCmd.AddCommand(roomsCreateCmd)
	rootCmd.AddCommand(roomsCmd, messagesCmd, sendCmd)
}
