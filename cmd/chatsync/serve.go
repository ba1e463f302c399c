package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/redisstore"
	"github.com/LuminPulse-AI/chatsync/wsstore"
)

var (
	serveAddr string
	tokenTTL  time.Duration
)

const shutdownGrace = 10 * time.Second

// ============================================================================
// serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a sync server for chatsync clients",
	Long: "Serve the REST and websocket protocol used by the ws backend.\n" +
		"Messages are kept in memory or in Redis (server.backend). Prometheus metrics are exposed at /metrics.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.Secret == "" {
			return errors.New("server.secret is required to verify client tokens")
		}
		addr := valueOrDefault(serveAddr, valueOrDefault(cfg.Server.Addr, ":8080"))

		store, closer, err := serverStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closer.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		handler := newServeMux(store, wsstore.JWTAuth{Secret: []byte(cfg.Server.Secret)}, reg)

		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			log.Info().Str("addr", addr).Str("backend", valueOrDefault(cfg.Server.Backend, "memory")).Msg("sync server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

// serverStore opens the storage behind "serve".
func serverStore(ctx context.Context) (chatsync.Store, io.Closer, error) {
	switch cfg.Server.Backend {
	case "", "memory":
		return chatsync.NewMemoryStore(), nopCloser{}, nil
	case "redis":
		s, err := redisstore.Connect(ctx, cfg.Redis, redisstore.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown server backend %q (valid: memory, redis)", cfg.Server.Backend)
	}
}

// newServeMux mounts the sync protocol, instrumented, next to /metrics and
// /healthz.
func newServeMux(store chatsync.Store, auth wsstore.Authenticator, reg *prometheus.Registry) http.Handler {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "HTTP requests handled by the sync server.",
	}, []string{"code", "method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync",
		Subsystem: "server",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served, including open feeds.",
	})
	reg.MustRegister(requests, inFlight)

	api := wsstore.NewServer(store, auth, wsstore.WithServerLogger(log))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", promhttp.InstrumentHandlerInFlight(inFlight,
		promhttp.InstrumentHandlerCounter(requests, api)))
	return mux
}

// ============================================================================
// token
// ============================================================================

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a client token signed with server.secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.Secret == "" {
			return errors.New("server.secret is not set")
		}
		auth := wsstore.JWTAuth{Secret: []byte(cfg.Server.Secret)}
		tok, err := auth.Issue(args[0], tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr or :8080)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}
