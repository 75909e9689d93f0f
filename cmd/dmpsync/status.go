package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dmp-portal/dmpsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the token has expired, and try a live socket handshake.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, dmpsync.DefaultBaseURL))
		fmt.Printf("  Socket URL:  %s\n", valueOrDefault(cfg.Default.SocketURL, "(not set)"))
		fmt.Printf("  Snapshots:   %s\n", valueOrDefault(cfg.Default.SnapshotDB, "(memory only)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User:        %s %s\n", valueOrDefault(cfg.Auth.UserType, "patient"), valueOrDefault(cfg.Auth.UserID, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if exp, ok := dmpsync.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			} else {
				tokenStatus = "present (no expiry claim)"
			}
			tokenStatus = maskKey(cfg.Auth.Token) + " " + tokenStatus
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.Token == "" || cfg.Default.SocketURL == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		t := dmpsync.NewTransport(dmpsync.TransportConfig{
			URL:               cfg.Default.SocketURL,
			Identity:          identityOf(cfg),
			Credentials:       credentialsOf(cfg),
			HeartbeatInterval: -1,
		})
		defer t.Close()
		if err := t.Connect(ctx, ""); err != nil {
			fmt.Printf("  Socket:        %v\n", err)
			return nil
		}
		st := t.Status()
		fmt.Printf("  Socket:        %s\n", t.State())
		fmt.Printf("  Connection ID: %s\n", st.ConnectionID)
		return nil
	},
}
