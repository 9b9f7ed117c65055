package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/talenthub/chatsync"
)

var (
	notificationsSize int
	notificationsJSON bool
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "List recent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.ListNotifications(ctx, chatsync.PageRequest{Size: notificationsSize})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		unread, err := client.UnreadNotificationCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notificationsJSON {
			return printJSON(map[string]any{"unread": unread, "items": page.Content})
		}

		fmt.Printf("%d unread\n\n", unread)
		for _, n := range page.Content {
			printNotification(n)
		}
		return nil
	},
}

func printNotification(n chatsync.Notification) {
	mark := " "
	if !n.Read {
		mark = "*"
	}
	title := valueOrDefault(n.Title, n.Type)
	fmt.Printf("%s %-6s %s  %s: %s\n", mark, n.ID, n.CreatedAt.Local().Format("2006-01-02 15:04"), title, truncate(n.Message, 60))
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkNotificationRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %s marked read\n", args[0])
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkAllNotificationsRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All notifications marked read")
		return nil
	},
}

func init() {
	notificationsCmd.Flags().IntVarP(&notificationsSize, "size", "n", 10, "Number of notifications")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output JSON")

	notificationsCmd.AddCommand(notificationsReadCmd, notificationsReadAllCmd)
	rootCmd.AddCommand(notificationsCmd)
}
