package main

import (
	"fmt"
	"os"

	lexlane "github.com/lexlane/lexlane-go"
)

// getClient creates a LexLane client from the stored configuration.
func getClient() *lexlane.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'lexlane init <api-key>' first.")
		os.Exit(1)
	}

	var opts []lexlane.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, lexlane.WithBaseURL(cfg.Default.BaseURL))
	}
	return lexlane.NewClient(cfg.Default.APIKey, opts...)
}

// maskKey shows only the first and last few characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// valueOrDefault returns v unless it is empty.
func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
