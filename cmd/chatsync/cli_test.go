package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/wsstore"
)

const testSecret = "cli-test-secret"

func init() {
	log = zerolog.Nop()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// config
// ============================================================================

func TestSetConfigValue(t *testing.T) {
	c := &Config{}
	for key, value := range map[string]string{
		"default.server_url": "http://localhost:8080",
		"redis.db":           "3",
		"s3.use_path_style":  "true",
		"log.pretty":         "false",
	} {
		if err := setConfigValue(c, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if c.Default.ServerURL != "http://localhost:8080" || c.Redis.DB != 3 || !c.S3.UsePathStyle {
		t.Fatalf("values not applied: %+v", c)
	}
	if c.Log.Pretty == nil || *c.Log.Pretty {
		t.Fatal("log.pretty should be explicitly false")
	}

	t.Run("errors", func(t *testing.T) {
		for key, value := range map[string]string{
			"token":             "x",
			"default.nope":      "x",
			"redis.db":          "three",
			"s3.use_path_style": "maybe",
		} {
			if err := setConfigValue(c, key, value); err == nil {
				t.Errorf("expected error for %s=%s", key, value)
			}
		}
	})
}

func TestConfigRoundTrip(t *testing.T) {
	configFile = filepath.Join(t.TempDir(), "nested", "config.toml")
	defer func() { configFile = "" }()

	empty, err := loadConfig()
	if err != nil {
		t.Fatalf("missing file should load as empty config: %v", err)
	}
	if empty.Default.ServerURL != "" {
		t.Fatalf("expected zero config, got %+v", empty)
	}

	pretty := true
	want := &Config{
		Default: ConfigDefault{Backend: "ws", ServerURL: "http://x", Token: "tok", Conversation: "c1"},
		Server:  ConfigServer{Addr: ":9000", Backend: "redis"},
	}
	want.Redis.Address = "localhost:6379"
	want.Log.Pretty = &pretty
	if err := saveConfig(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Default != want.Default || got.Server != want.Server || got.Redis.Address != "localhost:6379" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Log.Pretty == nil || !*got.Log.Pretty {
		t.Fatal("log.pretty lost")
	}
}

func TestOverlayEnvAndFlags(t *testing.T) {
	t.Setenv("CHATSYNC_DEFAULT_CONVERSATION", "from-env")
	t.Setenv("CHATSYNC_DEFAULT_TOKEN", "env-token")
	t.Setenv("CHATSYNC_REDIS_DB", "2")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("token", "", "")
	cmd.Flags().String("server", "", "")
	if err := cmd.Flags().Set("token", "flag-token"); err != nil {
		t.Fatal(err)
	}

	c := &Config{Default: ConfigDefault{ServerURL: "http://file", Conversation: "from-file"}}
	if err := overlay(c, cmd); err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if c.Default.Conversation != "from-env" {
		t.Errorf("env should override file, got %q", c.Default.Conversation)
	}
	if c.Default.Token != "flag-token" {
		t.Errorf("flag should override env, got %q", c.Default.Token)
	}
	if c.Default.ServerURL != "http://file" {
		t.Errorf("unset flag must not clobber file value, got %q", c.Default.ServerURL)
	}
	if c.Redis.DB != 2 {
		t.Errorf("redis.db from env = %d", c.Redis.DB)
	}
}

// ============================================================================
// status
// ============================================================================

func TestTokenStatus(t *testing.T) {
	auth := wsstore.JWTAuth{Secret: []byte(testSecret)}
	now := time.Now()

	valid, _ := auth.Issue("alice", time.Hour)
	if got := tokenStatus(valid, now); !strings.HasPrefix(got, "valid") {
		t.Errorf("fresh token: %q", got)
	}
	if got := tokenStatus(valid, now.Add(2*time.Hour)); !strings.HasPrefix(got, "EXPIRED") {
		t.Errorf("expired token: %q", got)
	}
	forever, _ := auth.Issue("alice", 0)
	if got := tokenStatus(forever, now); got != "no expiry" {
		t.Errorf("no-expiry token: %q", got)
	}
	if got := tokenStatus("garbage", now); got != "unparseable" {
		t.Errorf("garbage token: %q", got)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		msg  chatsync.Message
		want string
	}{
		{"text", chatsync.Message{Kind: chatsync.KindText, Body: "hi"}, "hi"},
		{"sticker", chatsync.Message{Kind: chatsync.KindSticker, Attachment: &chatsync.Attachment{StickerID: "wave", URL: "u"}}, "sticker wave"},
		{"missing attachment", chatsync.Message{Kind: chatsync.KindImage}, "image (no attachment)"},
		{"voice", chatsync.Message{Kind: chatsync.KindVoice, Attachment: &chatsync.Attachment{Duration: 3 * time.Second, Size: 2048, URL: "v.m4a"}}, "voice 3s (2.0 kB) v.m4a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.msg); got != tt.want {
				t.Errorf("describe = %q, want %q", got, tt.want)
			}
		})
	}
}

// ============================================================================
// chat
// ============================================================================

func TestRunChat(t *testing.T) {
	cfg = &Config{}
	store := chatsync.NewMemoryStore()
	store.Put(chatsync.Message{
		ID: "m1", ConversationID: "c1", SenderID: "bob", Kind: chatsync.KindText,
		Body: "hello alice", CreatedAt: time.Now().Add(-time.Minute),
	})

	s, err := chatsync.Open(context.Background(), store, chatsync.Conversation{ID: "c1"}, "alice",
		chatsync.WithMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	in := strings.NewReader("hi bob\n/bogus\n/voice missing.m4a nope\n/quit\nnever sent\n")
	var out bytes.Buffer
	if err := runChat(context.Background(), s, in, &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	eventually(t, "message stored", func() bool { return store.Count("c1") == 2 })
	time.Sleep(20 * time.Millisecond)
	if store.Count("c1") != 2 {
		t.Fatalf("input after /quit must not be sent, store has %d", store.Count("c1"))
	}

	got := out.String()
	for _, want := range []string{"hello alice", "Unknown command /bogus", "positive number of seconds"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "hello alice") != 1 {
		t.Errorf("history printed more than once:\n%s", got)
	}
}

// ============================================================================
// serve / token / send
// ============================================================================

func TestServeMux(t *testing.T) {
	cfg = &Config{}
	reg := prometheus.NewRegistry()
	h := newServeMux(chatsync.NewMemoryStore(), wsstore.JWTAuth{Secret: []byte(testSecret)}, reg)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/conversations/c1/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `chatsync_server_requests_total{code="401",method="get"} 1`) {
		t.Fatalf("request counter missing from /metrics:\n%s", body)
	}
}

func TestTokenCommand(t *testing.T) {
	cfg = &Config{Server: ConfigServer{Secret: testSecret}}
	var out bytes.Buffer
	tokenCmd.SetOut(&out)
	defer tokenCmd.SetOut(nil)

	if err := tokenCmd.RunE(tokenCmd, []string{"carol"}); err != nil {
		t.Fatalf("token: %v", err)
	}
	user, err := wsstore.JWTAuth{Secret: []byte(testSecret)}.Verify(strings.TrimSpace(out.String()))
	if err != nil || user != "carol" {
		t.Fatalf("issued token verifies as %q, %v", user, err)
	}

	cfg = &Config{}
	if err := tokenCmd.RunE(tokenCmd, []string{"carol"}); err == nil {
		t.Fatal("expected error without server.secret")
	}
}

func TestSendCommandEndToEnd(t *testing.T) {
	store := chatsync.NewMemoryStore()
	auth := wsstore.JWTAuth{Secret: []byte(testSecret)}
	srv := httptest.NewServer(wsstore.NewServer(store, auth))
	defer srv.Close()

	token, err := auth.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	conf := "[default]\nbackend = \"ws\"\nserver_url = \"" + srv.URL + "\"\ntoken = \"" + token + "\"\n" +
		"[log]\nlevel = \"off\"\n"
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		t.Fatal(err)
	}
	defer func() { configFile = "" }()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", path, "send", "c1", "hello from the cli"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("send: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Message sent to conversation c1") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	msgs, _ := store.QueryRecent(context.Background(), "c1", 10, time.Time{})
	if len(msgs) != 1 || msgs[0].Body != "hello from the cli" || msgs[0].SenderID != "alice" {
		t.Fatalf("stored messages: %+v", msgs)
	}
}
