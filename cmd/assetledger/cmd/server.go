package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/assetledger/api"
	"github.com/jmcleod/assetledger/internal/config"
)

const sweepInterval = 5 * time.Minute

var (
	listenAddr string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.HTTP.Addr = listenAddr
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "Address to listen on (overrides config)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	st, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	proxies, err := cfg.TrustedProxies()
	if err != nil {
		return err
	}
	a := api.New(st.engine, st.gateway,
		api.WithLogger(logger),
		api.WithTrustedProxies(proxies),
		api.WithSessionTTL(cfg.SessionTTL),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)
	r.Get("/health", a.Health)
	r.Handle("/metrics", promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{}))
	r.Mount("/api/v1", a.Router())

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30*time.Second + cfg.RequestTimeout,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCert != "" || tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st.sessions.StartJanitor(sweepInterval)
	go sweepLoop(ctx, a)
	// Provisioning is best-effort; requests retry it table by table.
	go func() {
		pctx, cancel := context.WithTimeout(ctx, 2*cfg.RequestTimeout)
		defer cancel()
		if err := st.engine.Provision(pctx); err != nil {
			logger.Warn("initial provisioning incomplete", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(os.Stdout)
	logger.Info("listening", "addr", cfg.HTTP.Addr, "backend", cfg.Backend, "tls", server.TLSConfig != nil)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func sweepLoop(ctx context.Context, a *api.API) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"dur", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
