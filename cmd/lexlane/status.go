package main

import (
	"context"
	"fmt"
	"time"

	lexlane "github.com/lexlane/lexlane-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:  %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:  (not set)")
		}
		fmt.Printf("  Thread:   %s\n", valueOrDefault(cfg.Chat.ThreadID, "(none)"))

		if cfg.Default.APIKey == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch account: %w", err)
		}
		if !res.OK {
			if res.Error != nil {
				return fmt.Errorf("account lookup failed: %s", res.Error.Message)
			}
			return fmt.Errorf("account lookup failed")
		}

		var acct lexlane.Account
		if err := res.Decode(&acct); err != nil {
			return fmt.Errorf("failed to decode account: %w", err)
		}
		fmt.Printf("  Account: %s (%s)\n", acct.DisplayName, acct.Email)
		if acct.Plan != "" {
			fmt.Printf("  Plan:    %s\n", acct.Plan)
		}
		return nil
	},
}
