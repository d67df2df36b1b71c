package main

import (
	"fmt"

	mercadillo "github.com/mercadillo-io/mercadillo/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and identity",
	Long:  "Display the current configuration and the identity decoded from the stored token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, mercadillo.DefaultBaseURL))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		fmt.Println()
		fmt.Println("Identity:")
		identity := mercadillo.ResolveIdentity(cfg.Auth.Token)
		if identity.UserID == "" {
			fmt.Println("  (not signed in)")
			return nil
		}
		fmt.Printf("  User ID: %s\n", identity.UserID)
		if identity.IsSupport {
			fmt.Println("  Role:    support")
		}
		return nil
	},
}
