package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the effective configuration, check whether the token has expired, and probe the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Backend:      %s\n", valueOrDefault(cfg.Default.Backend, "ws"))
		fmt.Fprintf(out, "  Server:       %s\n", valueOrDefault(cfg.Default.ServerURL, "(not set)"))
		fmt.Fprintf(out, "  Conversation: %s\n", valueOrDefault(cfg.Default.Conversation, "(not set)"))
		fmt.Fprintf(out, "  Translator:   %s\n", valueOrDefault(cfg.Translator.Endpoint, "(disabled)"))
		fmt.Fprintf(out, "  Media bucket: %s\n", valueOrDefault(cfg.S3.Bucket, "(disabled)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if user, err := currentUser(); err == nil {
			fmt.Fprintf(out, "  User:         %s\n", user)
		} else {
			fmt.Fprintf(out, "  User:         (unknown: %v)\n", err)
		}
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:        %s, %s\n", maskKey(cfg.Default.Token), tokenStatus(cfg.Default.Token, time.Now()))
		} else {
			fmt.Fprintln(out, "  Token:        (not set)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		probe(out)
		return nil
	},
}

// tokenStatus describes the expiry claim of an unverified token.
func tokenStatus(raw string, now time.Time) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "unparseable"
	}
	if claims.ExpiresAt == nil {
		return "no expiry"
	}
	exp := claims.ExpiresAt.Time
	if now.Before(exp) {
		return "valid, expires " + humanize.RelTime(exp, now, "ago", "from now")
	}
	return "EXPIRED " + humanize.RelTime(exp, now, "ago", "from now")
}

func probe(out io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, closer, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(out, "  Error: %v\n", err)
		return
	}
	defer closer.Close()

	if cfg.Default.Conversation == "" {
		fmt.Fprintln(out, "  Connected (no default conversation to probe)")
		return
	}
	start := time.Now()
	msgs, err := store.QueryRecent(ctx, cfg.Default.Conversation, 1, time.Time{})
	if err != nil {
		fmt.Fprintf(out, "  Error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "  Reachable in %s\n", time.Since(start).Round(time.Millisecond))
	if len(msgs) > 0 {
		fmt.Fprintf(out, "  Last message: %s\n", humanize.Time(msgs[0].CreatedAt))
	}
}
