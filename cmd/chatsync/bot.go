package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/talenthub/chatsync"
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Chat with the local help bot",
	Long:  "Interactive session with the built-in help bot. The transcript is stored under the data directory and restored on the next run.\nCommands: /reset starts a new session, /quit exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		dir := filepath.Join(s.DataDir, "bot")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create data directory: %w", err)
		}
		store, err := chatsync.OpenPebbleBotStore(dir, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signalContext()
		defer stop()

		widget := chatsync.NewBotWidget(chatsync.BotConfig{
			Store:    store,
			Greeting: "Hi! I'm the TalentHub assistant. Ask me about applications, your profile or interviews.",
		})
		if err := widget.Mount(ctx); err != nil {
			return fmt.Errorf("failed to load bot session: %w", err)
		}
		defer widget.Unmount()
		widget.Open()

		fmt.Printf("Session %s\n\n", widget.SessionID())
		for _, t := range widget.Turns() {
			printTurn(t)
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			fmt.Print("> ")
			var line string
			var ok bool
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case line, ok = <-lines:
				if !ok {
					return nil
				}
			}

			switch text := strings.TrimSpace(line); text {
			case "":
			case "/quit", "/exit":
				return nil
			case "/reset":
				if err := widget.Reset(ctx); err != nil {
					return err
				}
				fmt.Printf("New session %s\n", widget.SessionID())
				for _, t := range widget.Turns() {
					printTurn(t)
				}
			default:
				reply, err := widget.Send(ctx, text)
				if err != nil {
					return err
				}
				printTurn(reply)
			}
		}
	},
}

func printTurn(t chatsync.BotTurn) {
	who := "you"
	if t.Role == chatsync.BotRoleBot {
		who = "bot"
	}
	fmt.Printf("%s: %s\n", who, t.Text)
}

func init() {
	rootCmd.AddCommand(botCmd)
}
