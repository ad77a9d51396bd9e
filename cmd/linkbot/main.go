package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"linkbot/internal/linkbot"
)

var rootCmd = &cobra.Command{
	Use:   "linkbot",
	Short: "Telegram bot that links chats to registered accounts",
	Long: `linkbot binds a Telegram chat to an account identified by email.

Moving an already linked account to a new chat requires a one-time code
sent to the account email and the user's phone number.

Configuration is read from environment variables.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, webhook server and background sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return linkbot.Run(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired link requests once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, err := linkbot.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired link requests\n", deleted)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create database tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return linkbot.Migrate(cmd.Context())
	},
}

func init() {
	// Без подкоманды запускается serve.
	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
