package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendJSON    bool
	sendTimeout time.Duration

	// history
	historyLimit  int
	historyBefore string
	historyJSON   bool

	// translate
	translateTo string
)

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send [conversation] <message>",
	Short: "Send a text message and wait for the server to confirm it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := args[len(args)-1]
		conv, err := conversation(args[:len(args)-1])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		s, err := openSession(ctx, conv)
		if err != nil {
			return err
		}
		defer s.Close()

		saved, err := sendAndWait(ctx, s.Session, text)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if sendJSON {
			return printJSON(out, saved)
		}
		fmt.Fprintf(out, "Message sent to conversation %s\n", conv)
		fmt.Fprintf(out, "  Message ID: %s\n", saved.ID)
		fmt.Fprintf(out, "  Body:       %s\n", saved.Body)
		return nil
	},
}

// sendAndWait sends text and blocks until the provisional entry is replaced
// by the stored row or the send fails.
func sendAndWait(ctx context.Context, s *chatsync.Session, text string) (chatsync.Message, error) {
	events := make(chan chatsync.Event, 64)
	s.OnEvent(func(ev chatsync.Event) {
		if ev.Message == nil {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})

	sent, err := s.SendText(text)
	if err != nil {
		return chatsync.Message{}, err
	}
	// The echo may have landed before the handler saw it.
	if m, ok := findByNonce(s, sent.ClientNonce); ok {
		return m, nil
	}

	for {
		select {
		case ev := <-events:
			if ev.Message.ClientNonce != sent.ClientNonce {
				continue
			}
			if ev.Type == chatsync.EventSendFailed {
				return chatsync.Message{}, ev.Err
			}
			if ev.Type == chatsync.EventMessagesChanged && !ev.Message.IsProvisional() {
				return *ev.Message, nil
			}
		case <-ctx.Done():
			return chatsync.Message{}, fmt.Errorf("no confirmation from server: %w", ctx.Err())
		}
	}
}

func findByNonce(s *chatsync.Session, nonce string) (chatsync.Message, bool) {
	for _, m := range s.Messages() {
		if m.ClientNonce == nonce && !m.IsProvisional() {
			return m, true
		}
	}
	return chatsync.Message{}, false
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history [conversation]",
	Short: "Print recent messages of a conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := conversation(args)
		if err != nil {
			return err
		}
		var before time.Time
		if historyBefore != "" {
			before, err = time.Parse(time.RFC3339, historyBefore)
			if err != nil {
				return fmt.Errorf("--before must be RFC 3339: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		store, closer, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closer.Close()

		msgs, err := store.QueryRecent(ctx, conv, historyLimit, before)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(out, m, time.Now())
		}
		return nil
	},
}

// ============================================================================
// translate
// ============================================================================

var translateCmd = &cobra.Command{
	Use:   "translate [conversation] <message-id>",
	Short: "Translate a message and attach the result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[len(args)-1]
		conv, err := conversation(args[:len(args)-1])
		if err != nil {
			return err
		}
		target := valueOrDefault(translateTo, cfg.Default.Language)
		if target == "" {
			return errors.New("no target language: pass --to or set default.language")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, conv)
		if err != nil {
			return err
		}
		defer s.Close()

		for {
			if _, ok := s.Message(id); ok {
				break
			}
			n, err := s.LoadOlder(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("message %s not found in %s", id, conv)
			}
		}

		text, err := s.Translate(ctx, id, target)
		if errors.Is(err, chatsync.ErrTranslationUnavailable) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Translation unavailable: %v\n", err)
		} else if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(b))
	return nil
}

func printMessage(w io.Writer, m chatsync.Message, now time.Time) {
	when := humanize.RelTime(m.CreatedAt, now, "ago", "from now")
	status := ""
	switch {
	case m.IsProvisional():
		status = " (sending)"
	case m.Read:
		status = " ✓✓"
	}
	fmt.Fprintf(w, "[%s] %s %s: %s%s\n", m.ID, when, m.SenderID, describe(m), status)
	if m.Translation != nil {
		fmt.Fprintf(w, "    [%s] %s\n", m.Translation.TargetLanguage, m.Translation.Text)
	}
}

func describe(m chatsync.Message) string {
	if m.Kind != chatsync.KindText && m.Attachment == nil {
		return fmt.Sprintf("%s (no attachment)", m.Kind)
	}
	switch m.Kind {
	case chatsync.KindText:
		return m.Body
	case chatsync.KindVoice:
		return fmt.Sprintf("voice %s (%s) %s", m.Attachment.Duration.Round(time.Second), humanize.Bytes(uint64(m.Attachment.Size)), m.Attachment.URL)
	case chatsync.KindImage:
		desc := fmt.Sprintf("image %dx%d (%s) %s", m.Attachment.Width, m.Attachment.Height, humanize.Bytes(uint64(m.Attachment.Size)), m.Attachment.URL)
		if m.Body != "" {
			desc += " " + strings.TrimSpace(m.Body)
		}
		return desc
	case chatsync.KindSticker:
		return "sticker " + valueOrDefault(m.Attachment.StickerID, m.Attachment.URL)
	}
	return m.Body
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the stored message as JSON")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for confirmation")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultRecentLimit, "Maximum number of messages to return")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Only messages created before this RFC 3339 time")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	translateCmd.Flags().StringVar(&translateTo, "to", "", "Target language (default default.language)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(translateCmd)
}
