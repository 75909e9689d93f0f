package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dmp-portal/dmpsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	pageFlag  int
	limitFlag int

	notificationsFor string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	conversationsCmd.Flags().IntVar(&pageFlag, "page", 1, "Page number")
	conversationsCmd.Flags().IntVar(&limitFlag, "limit", 20, "Page size")
	notificationsCmd.Flags().IntVar(&pageFlag, "page", 1, "Page number")
	notificationsCmd.Flags().IntVar(&limitFlag, "limit", 20, "Page size")
	notificationsCmd.Flags().StringVar(&notificationsFor, "professionnel", "", "Professional id (defaults to auth.user_id)")

	notificationsCmd.AddCommand(notificationsReadCmd)
	rootCmd.AddCommand(historyCmd, sendCmd, conversationsCmd, notificationsCmd)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversationId | contextType/contextId>",
	Short: "Print the message history of a conversation",
	Long:  "Print the message history of a conversation, addressed by id or by medical context (e.g. ordonnance/15).\nFalls back to the local snapshot when default.snapshot_db is set and the backend is unreachable.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := loadSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		target := parseTarget(args[0])
		engine := dmpsync.NewConversationSync(target, s.client, dmpsync.SyncOptions{
			Identity:  s.identity,
			Cache:     s.cache,
			Snapshots: s.snapshots,
		})
		messages, err := engine.LoadHistory(ctx)
		if err != nil {
			return fmt.Errorf("load %s: %w", target, err)
		}
		printStale(engine.Stale())

		if jsonOutput {
			return printJSON(messages)
		}
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		fmt.Printf("Conversation %s\n", engine.ConversationID())
		for _, m := range messages {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversationId | contextType/contextId> <content>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := loadSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		engine := dmpsync.NewConversationSync(parseTarget(args[0]), s.client, dmpsync.SyncOptions{
			Identity: s.identity,
			Cache:    s.cache,
		})
		msg, err := engine.Send(ctx, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations <medecinId>",
	Short: "List a medecin's conversations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := loadSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		convs, warn, err := s.client.MedecinConversations(ctx, args[0], pageFlag, limitFlag)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		printStale(warn)

		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			title := valueOrDefault(c.Title, "(untitled)")
			fmt.Printf("%-10s %-30s %s\n", c.ID, title, c.LastMessage)
		}
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List prescription notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := loadSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		who := valueOrDefault(notificationsFor, s.identity.UserID)
		list, warn, err := s.client.PrescriptionNotifications(ctx, who, pageFlag, limitFlag)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		printStale(warn)

		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range list {
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Printf("%s %-8s %-14s %s\n", mark, n.ID, n.Type, valueOrDefault(n.Title, n.Message))
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notificationId>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := loadSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.MarkNotificationRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Notification %s marked as read\n", args[0])
		return nil
	},
}
