package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/redisstore"
	"github.com/LuminPulse-AI/chatsync/s3blob"
	"github.com/LuminPulse-AI/chatsync/translator"
	"github.com/LuminPulse-AI/chatsync/wsstore"
)

// openStore connects to the configured backend. The returned closer releases
// backend resources and is never nil.
func openStore(ctx context.Context) (chatsync.Store, io.Closer, error) {
	switch cfg.Default.Backend {
	case "", "ws":
		if cfg.Default.ServerURL == "" {
			return nil, nil, errors.New("no server URL. Run 'chatsync init <server-url> <token>' first")
		}
		if cfg.Default.Token == "" {
			return nil, nil, errors.New("no token. Run 'chatsync init <server-url> <token>' first")
		}
		c := wsstore.NewClient(cfg.Default.ServerURL, cfg.Default.Token, wsstore.WithLogger(log))
		return c, nopCloser{}, nil
	case "redis":
		s, err := redisstore.Connect(ctx, cfg.Redis, redisstore.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (valid: ws, redis)", cfg.Default.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// currentUser is default.user_id, or the subject of the token.
func currentUser() (string, error) {
	if cfg.Default.UserID != "" {
		return cfg.Default.UserID, nil
	}
	if cfg.Default.Token == "" {
		return "", errors.New("no user: set default.user_id or a token")
	}
	sub, err := wsstore.SubjectOf(cfg.Default.Token)
	if err != nil {
		return "", fmt.Errorf("cannot read user from token: %w", err)
	}
	return sub, nil
}

func conversation(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if cfg.Default.Conversation != "" {
		return cfg.Default.Conversation, nil
	}
	return "", errors.New("no conversation: pass one or set default.conversation")
}

// sessionOptions wires the optional collaborators from config.
func sessionOptions(ctx context.Context) ([]chatsync.Option, error) {
	opts := []chatsync.Option{chatsync.WithLogger(log)}
	if cfg.Translator.Endpoint != "" {
		opts = append(opts, chatsync.WithTranslator(
			translator.New(cfg.Translator.Endpoint, cfg.Translator.APIKey, translator.WithLogger(log)),
		))
	}
	if cfg.S3.Bucket != "" {
		up, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chatsync.WithBlobStore(up))
	}
	return opts, nil
}

// session bundles an open session with its store.
type session struct {
	*chatsync.Session
	closer io.Closer
}

func (s *session) Close() error {
	err := s.Session.Close()
	if cerr := s.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

func openSession(ctx context.Context, conversationID string, extra ...chatsync.Option) (*session, error) {
	user, err := currentUser()
	if err != nil {
		return nil, err
	}
	opts, err := sessionOptions(ctx)
	if err != nil {
		return nil, err
	}
	store, closer, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	s, err := chatsync.Open(ctx, store, chatsync.Conversation{ID: conversationID}, user, append(opts, extra...)...)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &session{Session: s, closer: closer}, nil
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
