package main

import (
	"context"
	"fmt"
	"time"

	lexlane "github.com/lexlane/lexlane-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum messages to fetch")
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversation threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.ListThreads(ctx)
		if err != nil {
			return fmt.Errorf("failed to list threads: %w", err)
		}
		if !res.OK {
			if res.Error != nil {
				return fmt.Errorf("list threads failed: %s", res.Error.Message)
			}
			return fmt.Errorf("list threads failed")
		}

		var threads []lexlane.Thread
		if err := res.Decode(&threads); err != nil {
			return fmt.Errorf("failed to decode threads: %w", err)
		}
		if len(threads) == 0 {
			fmt.Println("No threads yet. Start one with 'lexlane chat <message>'.")
			return nil
		}
		for _, t := range threads {
			title := valueOrDefault(t.Title, "(untitled)")
			fmt.Printf("%s  %s  (%d messages)\n", t.ID, title, t.MessageCount)
		}
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <thread-id>",
	Short: "Show stored messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.History(ctx, args[0], &lexlane.HistoryOptions{Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}
		if !res.OK {
			if res.Error != nil {
				return fmt.Errorf("history failed: %s", res.Error.Message)
			}
			return fmt.Errorf("history failed")
		}

		var msgs []lexlane.ChatMessage
		if err := res.Decode(&msgs); err != nil {
			return fmt.Errorf("failed to decode messages: %w", err)
		}
		for _, m := range msgs {
			ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
			fmt.Printf("[%s] %-9s %s\n", ts, m.Role, m.Content)
		}
		return nil
	},
}
