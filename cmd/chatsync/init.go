package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/wsstore"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <server-url> <token>",
	Short: "Store server URL and token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the sync server and your bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, token := args[0], args[1]

		user, err := wsstore.SubjectOf(token)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		fileCfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Default.ServerURL = serverURL
		fileCfg.Default.Token = token
		if fileCfg.Default.Backend == "" {
			fileCfg.Default.Backend = "ws"
		}

		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s. Config saved to %s\n", user, path)
		return nil
	},
}
