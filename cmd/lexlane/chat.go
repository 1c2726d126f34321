package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	lexlane "github.com/lexlane/lexlane-go"
	"github.com/spf13/cobra"
)

var (
	chatWait    time.Duration
	chatVerbose bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().DurationVar(&chatWait, "wait", 60*time.Second, "how long to wait for the assistant")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "log connection events")
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the assistant",
	Long: "Open the realtime connection, send a message and print the assistant's reply.\n" +
		"Without a stored thread a new one is created and the message becomes its first entry.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := getClient()
		state := lexlane.NewChatState()

		chatCfg := &lexlane.ChatConfig{}
		if chatVerbose {
			chatCfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
		}
		chat := client.Chat(state, chatCfg)
		defer chat.Close()

		ctx, cancel := context.WithTimeout(context.Background(), chatWait)
		defer cancel()

		if err := chat.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		if err := waitFor(ctx, func() bool { return state.Status() == lexlane.StateConnected }); err != nil {
			return fmt.Errorf("connection not established: %w", err)
		}

		if !chat.SendText(args[0]) {
			return fmt.Errorf("failed to send message")
		}

		// Print messages as the server delivers them, until the assistant
		// has answered or the wait budget runs out.
		printed := 0
		for {
			msgs := state.Messages()
			if printed > len(msgs) {
				printed = len(msgs)
			}
			for _, m := range msgs[printed:] {
				fmt.Printf("%-9s %s\n", m.Role+":", m.Content)
				printed++
			}
			if printed > 0 && !state.AwaitingResponse() {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting for the assistant")
			case <-time.After(200 * time.Millisecond):
			}
		}

		if id := chat.ThreadID(); id != "" && id != cfg.Chat.ThreadID {
			cfg.Chat.ThreadID = id
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not remember thread id: %v\n", err)
			}
		}
		if title := state.Title(); title != "" {
			fmt.Printf("\nThread: %s\n", title)
		}
		return nil
	},
}

// waitFor polls cond until it holds or the context expires.
func waitFor(ctx context.Context, cond func() bool) error {
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}
