package main

import (
	"fmt"

	engicom "github.com/engicom/engicom/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token in the config file",
	Long:  "Store the session token issued by the Engicom web app. The user id is read from the token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		userID, err := engicom.IdentityFromToken(token)
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = userID

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Logged in as %s, token saved to %s\n", userID, path)
		return nil
	},
}
