package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUserType string
	initBaseURL  string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Session user id")
	initCmd.Flags().StringVar(&initUserType, "user-type", "patient", "Session user type (patient or medecin)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.dmpsync/config.toml",
	Long:  "Initialize the dmpsync CLI by storing the bearer token and session identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			if err := setConfigValue(cfg, "auth.user_id", initUserID); err != nil {
				return err
			}
		}
		if err := setConfigValue(cfg, "auth.user_type", initUserType); err != nil {
			return err
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
