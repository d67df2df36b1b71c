package main

import (
	"fmt"
	"os"
	"time"

	mercadillo "github.com/mercadillo-io/mercadillo/sdk/golang"
)

// getClient creates a Mercadillo client authenticated with the stored token.
func getClient() *mercadillo.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'mercadillo init <token>' first.")
		os.Exit(1)
	}

	var opts []mercadillo.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, mercadillo.WithBaseURL(cfg.Default.BaseURL))
	}
	return mercadillo.NewClient(cfg.Auth.Token, opts...)
}

// maskKey shortens a credential for display.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// valueOrDefault returns fallback when value is empty.
func valueOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// formatMillis renders an epoch-milliseconds timestamp for display.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
