package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/refleya/companion/internal/api"
	"github.com/refleya/companion/internal/composer"
	"github.com/refleya/companion/internal/config"
	"github.com/refleya/companion/internal/content"
	"github.com/refleya/companion/internal/engine"
	"github.com/refleya/companion/internal/jobs"
	"github.com/refleya/companion/internal/memory"
	"github.com/refleya/companion/internal/persona"
	"github.com/refleya/companion/internal/pipeline"
	"github.com/refleya/companion/internal/safety"
	"github.com/refleya/companion/internal/storage"
	"github.com/refleya/companion/internal/wellness"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the companion server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// backend is everything the server needs from a Memory Store. Both the SQLite
// and the Postgres store implement it.
type backend interface {
	io.Closer
	pipeline.TurnStore
	pipeline.Enqueuer
	wellness.Store
	memory.NoteStore
	memory.SessionTurns
	jobs.JobStore
	api.AdminStore
}

func openStore(cfg config.StorageConfig) (backend, error) {
	if cfg.Driver == "postgres" {
		s, err := storage.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the process logger. With a log file configured, records
// go to both stderr and a rotating file.
func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 7,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closer
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser := newLogger(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := content.Load(cfg.Content.Path)
	if err != nil {
		return fmt.Errorf("loading content: %w", err)
	}

	model, err := engine.New(engine.Config{
		Provider:    cfg.Model.Provider,
		Model:       cfg.Model.Name,
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		return err
	}
	if err := engine.Prepare(ctx, model, os.Stderr); err != nil {
		return err
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	filter := safety.New(c.Safety)
	shortTerm := memory.NewShortTerm(store, cfg.Memory.ShortTermPairs)
	longTerm := memory.NewLongTerm(store, model, memory.LongTermConfig{
		MaxTokens:  cfg.Memory.LongTermMaxTokens,
		FetchLimit: cfg.Memory.LongTermFetchLimit,
	})
	builder := composer.New(composer.Config{
		MaxTokens:   cfg.Context.MaxTokens,
		TokenBuffer: cfg.Context.TokenBuffer,
	}, persona.New(c), shortTerm, longTerm, filter)

	var rephraser *wellness.Rephraser
	if cfg.Wellness.Rephrase {
		rephraser = wellness.NewRephraser(model)
	}
	checkin := wellness.NewMachine(store, rephraser, c)

	processor := pipeline.NewProcessor(pipeline.Deps{
		Store:    store,
		Safety:   filter,
		Checkin:  checkin,
		Context:  builder,
		Model:    model,
		Queue:    store,
		Messages: c.Messages,
	})

	defaults := api.Defaults{
		UserID:    cfg.Chat.DefaultUserID,
		SessionID: cfg.Chat.DefaultSessionID,
		Mode:      cfg.Chat.DefaultMode,
	}
	chat := api.NewChatHandler(api.ChatDeps{
		Processor: processor,
		Defaults:  defaults,
		MaxLength: cfg.Input.MaxLength,
	})
	var admin http.Handler
	if cfg.Server.APIToken != "" {
		admin = api.NewAdminHandler(api.AdminDeps{Store: store, Memory: longTerm, Token: cfg.Server.APIToken})
	} else {
		slog.Info("admin API disabled, no server.api_token configured")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(chat, admin),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := jobs.NewWorker(store, longTerm, cfg.Jobs.PollInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("refleya listening", "addr", addr, "model", model.Name(), "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Processor: processor,
			Memory:    longTerm,
			Checkins:  store,
			Defaults:  defaults,
			MaxLength: cfg.Input.MaxLength,
			Version:   version,
		})
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}
