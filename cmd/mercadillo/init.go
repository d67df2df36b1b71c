package main

import (
	"fmt"

	mercadillo "github.com/mercadillo-io/mercadillo/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the chat token in ~/.mercadillo/config.toml",
	Long:  "Initialize the Mercadillo CLI by storing your bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		identity := mercadillo.ResolveIdentity(token)
		if identity.UserID == "" {
			return fmt.Errorf("token does not decode to a user identity")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = identity.UserID

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for user %s saved to %s\n", identity.UserID, path)
		return nil
	},
}
