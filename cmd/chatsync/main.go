package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// ============================================================================
// Root command
// ============================================================================

var (
	// Effective configuration: file, then .env and CHATSYNC_* variables, then flags.
	cfg *Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time chat sync CLI",
	Long: "Command-line client for chatsync conversations.\n" +
		"Chat interactively, send messages, browse history, translate messages, or run a sync server.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		loaded, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := overlay(loaded, cmd); err != nil {
			return err
		}
		cfg = loaded
		log = logging.Stderr(cfg.Log)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default ~/.chatsync/config.toml)")
	pf.String("server", "", "Server URL (overrides default.server_url)")
	pf.String("token", "", "Bearer token (overrides default.token)")
	pf.StringP("conversation", "c", "", "Conversation id (overrides default.conversation)")
	pf.String("log-level", "", "Log level: debug, info, warn, error, off")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
