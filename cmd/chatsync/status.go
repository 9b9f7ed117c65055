package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/talenthub/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and unread counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  API URL:     %s\n", valueOrDefault(s.APIURL, "(not set)"))
		if s.APIURL != "" {
			fmt.Printf("  Live URL:    %s\n", chatsync.DeriveWSURL(s.APIURL, ""))
		}
		fmt.Printf("  Data dir:    %s\n", s.DataDir)
		fmt.Printf("  Metrics:     %s\n", valueOrDefault(s.MetricsAddr, "(disabled)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(s.Identity.UserID, "(not set)"))
		fmt.Printf("  Role:        %s\n", valueOrDefault(string(s.Identity.Role), "(not set)"))
		if s.Identity.Token != "" {
			fmt.Printf("  Token:       %s\n", maskToken(s.Identity.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		if s.APIURL == "" || s.Identity.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := chatsync.NewClient(s.APIURL, chatsync.WithToken(s.Identity.Token))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		n, err := client.UnreadNotificationCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread notifications: %d\n", n)

		rooms, err := client.ListRooms(ctx, chatsync.PageRequest{})
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms.Content {
			unread += r.UnreadCount
		}
		fmt.Printf("  Conversations:        %d\n", rooms.TotalElements)
		fmt.Printf("  Unread messages:      %d (first page)\n", unread)
		return nil
	},
}
