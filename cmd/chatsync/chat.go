package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Commands:
  /older                  load older history
  /translate <id> [lang]  translate a message
  /image <path> [caption] send an image
  /voice <path> <seconds> send a voice note
  /sticker <id> <url>     send a sticker
  /away, /back            toggle read receipts
  /quit                   leave
Anything else is sent as a text message.`

var chatCmd = &cobra.Command{
	Use:   "chat [conversation]",
	Short: "Open an interactive chat session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := conversation(args)
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), conv)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Joined %s as %s. Type /help for commands.\n", conv, s.UserID())
		return runChat(cmd.Context(), s.Session, cmd.InOrStdin(), out)
	},
}

// runChat reads commands from in until EOF, /quit or ctx ends, printing
// session events to out.
func runChat(ctx context.Context, s *chatsync.Session, in io.Reader, out io.Writer) error {
	v := &chatView{s: s, out: out, shown: make(map[string]bool)}
	v.showAll()

	events := make(chan chatsync.Event, 256)
	s.OnEvent(func(ev chatsync.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	lines := make(chan string)

	g.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return nil
			}
		}
		return sc.Err()
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				v.render(ev)
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := v.handleLine(ctx, line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

// chatView owns the terminal output. It is only touched from the loop
// goroutine in runChat.
type chatView struct {
	s     *chatsync.Session
	out   io.Writer
	shown map[string]bool
}

// showAll prints every cached message not yet on screen, oldest first.
func (v *chatView) showAll() {
	for _, m := range v.s.Messages() {
		v.show(m)
	}
}

func (v *chatView) show(m chatsync.Message) {
	if m.IsProvisional() || v.shown[m.ID] {
		return
	}
	v.shown[m.ID] = true
	printMessage(v.out, m, time.Now())
}

func (v *chatView) handleLine(ctx context.Context, line string) error {
	s, out := v.s, v.out
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		s.SetInput(line)
		if trimmed == "" {
			return nil
		}
		if _, err := s.SendText(line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
		return nil
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/older":
		n, err := s.LoadOlder(ctx)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "Loaded %d older messages.\n", n)
		v.showAll()
	case "/translate":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /translate <id> [lang]")
			return nil
		}
		lang := cfg.Default.Language
		if len(fields) > 2 {
			lang = fields[2]
		}
		text, err := s.Translate(ctx, fields[1], lang)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
		fmt.Fprintf(out, "    [%s] %s\n", valueOrDefault(lang, "?"), text)
	case "/image":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /image <path> [caption]")
			return nil
		}
		sendFile(ctx, s, out, chatsync.AttachmentInput{
			Kind:    chatsync.KindImage,
			Caption: strings.Join(fields[2:], " "),
		}, fields[1])
	case "/voice":
		if len(fields) < 3 {
			fmt.Fprintln(out, "usage: /voice <path> <seconds>")
			return nil
		}
		secs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil || secs <= 0 {
			fmt.Fprintln(out, "! duration must be a positive number of seconds")
			return nil
		}
		sendFile(ctx, s, out, chatsync.AttachmentInput{
			Kind:     chatsync.KindVoice,
			Duration: time.Duration(secs * float64(time.Second)),
		}, fields[1])
	case "/sticker":
		if len(fields) < 3 {
			fmt.Fprintln(out, "usage: /sticker <id> <url>")
			return nil
		}
		if _, err := s.SendSticker(fields[1], fields[2], ""); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	case "/away":
		s.SetForeground(false)
	case "/back":
		s.SetForeground(true)
	default:
		fmt.Fprintf(out, "Unknown command %s. Type /help.\n", fields[0])
	}
	return nil
}

func sendFile(ctx context.Context, s *chatsync.Session, out io.Writer, in chatsync.AttachmentInput, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(out, "! %v\n", err)
		return
	}
	in.Data = data
	in.FileName = path
	fmt.Fprintf(out, "Uploading %s (%s)...\n", path, humanize.Bytes(uint64(len(data))))
	if _, err := s.SendAttachment(ctx, in); err != nil {
		fmt.Fprintf(out, "! %v\n", err)
	}
}

func (v *chatView) render(ev chatsync.Event) {
	out := v.out
	switch ev.Type {
	case chatsync.EventMessagesChanged:
		// Own text is already on the terminal as typed input.
		if ev.Message != nil && ev.Message.SenderID != v.s.UserID() {
			v.show(*ev.Message)
		} else if ev.Message != nil {
			v.shown[ev.Message.ID] = true
		}
	case chatsync.EventSendFailed:
		body := ""
		if ev.Message != nil {
			body = ev.Message.Body
		}
		fmt.Fprintf(out, "! not sent: %q: %v\n", body, ev.Err)
	case chatsync.EventTypingChanged:
		if len(ev.Peers) > 0 {
			fmt.Fprintf(out, "  %s typing...\n", strings.Join(ev.Peers, ", "))
		}
	case chatsync.EventStateChanged:
		if ev.State != chatsync.StateSubscribed {
			fmt.Fprintf(out, "  (%s)\n", ev.State)
		}
	case chatsync.EventDisconnected:
		fmt.Fprintf(out, "! disconnected: %v\n", ev.Err)
	case chatsync.EventUploadFailed:
		fmt.Fprintf(out, "! upload failed: %v\n", ev.Err)
	}
}
