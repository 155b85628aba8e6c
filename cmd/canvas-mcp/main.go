package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edubridge/canvas-mcp/internal/auth"
	"github.com/edubridge/canvas-mcp/internal/authcache"
	"github.com/edubridge/canvas-mcp/internal/canvas"
	"github.com/edubridge/canvas-mcp/internal/config"
	"github.com/edubridge/canvas-mcp/internal/crypto"
	"github.com/edubridge/canvas-mcp/internal/logging"
	"github.com/edubridge/canvas-mcp/internal/mailer"
	"github.com/edubridge/canvas-mcp/internal/mcpserver"
	"github.com/edubridge/canvas-mcp/internal/server"
	"github.com/edubridge/canvas-mcp/internal/store"
	"github.com/edubridge/canvas-mcp/internal/web"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("canvas-mcp starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
	)

	key, err := cfg.DecodeEncryptionKey()
	if err != nil {
		return err
	}

	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	cache := authcache.New(cfg.CacheTTL)
	defer cache.Stop()

	var m mailer.Mailer
	if cfg.SMTPAddr != "" {
		m = mailer.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
	} else {
		logger.Warn("SMTP not configured; magic links will be logged")
		m = &mailer.LogMailer{Logger: logger}
	}

	cv := canvas.NewClient(nil)

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "canvas-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, &mcpserver.Deps{
		Store:  st,
		Sealer: sealer,
		Canvas: cv,
		Logger: logger,
	})
	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	wh := web.New(st, cache, sealer, m, cv, logger, web.Config{
		ServerURL:         cfg.ServerURL,
		SessionTTL:        cfg.SessionTTL,
		MagicLinkTTL:      cfg.MagicLinkTTL,
		MagicLinkCooldown: cfg.MagicLinkCooldown,
	})

	mux := server.NewMux(server.Deps{
		ServerURL: cfg.ServerURL,
		TokenTTL:  cfg.OAuthTokenTTL,
		Store:     st,
		Gate:      auth.NewGate(st, cache, logger),
		Web:       wh,
		MCP:       mcpHandler,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expired-record sweeps run off the request path on their own timer.
	go sweepLoop(ctx, st, cfg, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("serving", slog.String("listen", cfg.ListenAddr))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// sweepLoop periodically removes expired sessions, codes, tokens, and
// magic links, and prunes aged usage logs.
func sweepLoop(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.SweepExpired(ctx); err != nil {
				logger.Error("sweeping expired rows failed", slog.String("error", err.Error()))
			}

			pruned, err := st.PruneUsageLogs(ctx, cfg.UsageLogRetention)
			if err != nil {
				logger.Error("pruning usage logs failed", slog.String("error", err.Error()))
			} else if pruned > 0 {
				logger.Debug("usage logs pruned", slog.Int64("rows", pruned))
			}
		}
	}
}
