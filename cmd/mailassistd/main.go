// mailassistd is the mail-assistant daemon: it polls every active user's
// inbox, runs each new message through the classification/response
// workflow, and serves chat callbacks back into that workflow. Grounded on
// cmd/taskd/main.go's shape almost line-for-line (flags, db open, component
// wiring, signal handling, graceful shutdown) rewritten for this domain's
// components in place of the SSH server and Claude task executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bborn/mailassist/internal/approval"
	"github.com/bborn/mailassist/internal/chat"
	"github.com/bborn/mailassist/internal/classify"
	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/crypt"
	"github.com/bborn/mailassist/internal/db"
	"github.com/bborn/mailassist/internal/embedding"
	"github.com/bborn/mailassist/internal/events"
	"github.com/bborn/mailassist/internal/indexing"
	"github.com/bborn/mailassist/internal/llm"
	"github.com/bborn/mailassist/internal/metrics"
	"github.com/bborn/mailassist/internal/poller"
	"github.com/bborn/mailassist/internal/provider"
	"github.com/bborn/mailassist/internal/rag"
	"github.com/bborn/mailassist/internal/respond"
	"github.com/bborn/mailassist/internal/taskrunner"
	"github.com/bborn/mailassist/internal/vectorstore"
	"github.com/bborn/mailassist/internal/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

func main() {
	dbPath := flag.String("db", "", "Database path (default: ~/.local/share/mailassist/mailassist.db)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address")
	workers := flag.Int("workers", 8, "Background worker pool size")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "mailassistd"})

	home, _ := os.UserHomeDir()
	if *dbPath == "" {
		*dbPath = filepath.Join(home, ".local", "share", "mailassist", "mailassist.db")
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		logger.Fatal("failed to open database", "error", err)
	}
	defer database.Close()
	logger.Info("database opened", "path", *dbPath)

	cfg := config.New(database)

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	evtManager := events.New(database)
	defer evtManager.Stop()

	tokenBox, err := crypt.NewBox(mustEnv(logger, "MAILASSIST_TOKEN_KEY"))
	if err != nil {
		logger.Fatal("failed to load token encryption key", "error", err)
	}

	mailClient := provider.New(
		mustEnv(logger, "GOOGLE_CLIENT_ID"),
		mustEnv(logger, "GOOGLE_CLIENT_SECRET"),
		database,
		tokenBox,
	)

	llmClient := llm.New(mustEnv(logger, "ANTHROPIC_API_KEY"), os.Getenv("ANTHROPIC_MODEL"))
	embeddingSvc := embedding.New(mustEnv(logger, "OPENAI_API_KEY"), openai.SmallEmbedding3, 50)

	vsCtx, vsCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := vectorstore.New(vsCtx, vectorstore.Config{
		Host:           envOr("QDRANT_HOST", "localhost"),
		Port:           6334,
		APIKey:         os.Getenv("QDRANT_API_KEY"),
		CollectionName: envOr("QDRANT_COLLECTION", "mailassist_messages"),
		VectorSize:     1536,
	})
	vsCancel()
	if err != nil {
		logger.Fatal("failed to connect to vector store", "error", err)
	}

	chatClient, err := chat.New(mustEnv(logger, "TELEGRAM_BOT_TOKEN"))
	if err != nil {
		logger.Fatal("failed to create chat client", "error", err)
	}

	ragSvc := rag.New(database, mailClient, embeddingSvc, store, cfg)
	classifySvc := classify.New(database, llmClient)
	respondSvc := respond.New(llmClient, cfg.DraftMinLen, cfg.DraftMaxLen)
	indexingSvc := indexing.New(database, mailClient, embeddingSvc, store, chatClient, cfg)
	pollerSvc := poller.New(database, mailClient, cfg, metricsRegistry, log.NewWithOptions(os.Stderr, log.Options{Prefix: "poller"}))

	// The workflow engine and the approval channel each need the other
	// (engine renders proposals through approval; approval resumes the
	// engine on a callback), so approval.Channel takes the engine through a
	// narrow `resumer` interface populated after both are constructed.
	var engine *workflow.Engine
	approvalChannel := approval.New(database, chatClient, engineResumer{&engine}, evtManager)
	engine = workflow.New(database, mailClient, ragSvc, classifySvc, respondSvc, approvalChannel, indexingSvc, cfg, metricsRegistry, evtManager)

	runner := taskrunner.New(database, engine, indexingSvc, cfg, metricsRegistry, *workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Start(ctx)
	logger.Info("task runner started", "workers", *workers)

	go serveMetrics(logger, *metricsAddr, reg)
	go consumeChatUpdates(ctx, logger, chatClient, approvalChannel)

	pollInterval := fmt.Sprintf("@every %ds", cfg.PollingIntervalSeconds)
	sched := cron.New()
	if _, err := sched.AddFunc(pollInterval, func() {
		pollCtx, pollCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer pollCancel()
		if err := pollerSvc.PollAllUsers(pollCtx); err != nil {
			logger.Error("poll cycle failed", "error", err)
		}
	}); err != nil {
		logger.Fatal("failed to schedule poller", "error", err)
	}
	logger.Info("poller scheduled", "interval", pollInterval)

	const retentionInterval = "@every 24h"
	if _, err := sched.AddFunc(retentionInterval, func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cleanupCancel()
		if err := indexingSvc.CleanupAllUsers(cleanupCtx); err != nil {
			logger.Error("indexing retention sweep failed", "error", err)
		}
	}); err != nil {
		logger.Fatal("failed to schedule indexing retention sweep", "error", err)
	}
	logger.Info("indexing retention sweep scheduled", "interval", retentionInterval)

	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	shutdownCtx := sched.Stop()
	<-shutdownCtx.Done()
	cancel()
	runner.Stop()
	logger.Info("shutdown complete")
}

// engineResumer defers to a *workflow.Engine constructed after the approval
// channel, breaking the construction-order cycle between the two without
// making either package import the other's concrete type.
type engineResumer struct {
	engine **workflow.Engine
}

func (r engineResumer) Resume(ctx context.Context, threadID string, decision workflow.Decision) error {
	return (*r.engine).Resume(ctx, threadID, decision)
}

func consumeChatUpdates(ctx context.Context, logger *log.Logger, chatClient *chat.Client, approvalChannel *approval.Channel) {
	for upd := range chatClient.Updates(ctx) {
		if err := approvalChannel.HandleUpdate(ctx, upd); err != nil {
			logger.Error("failed to handle chat update", "error", err)
		}
	}
}

func serveMetrics(logger *log.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func mustEnv(logger *log.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal("missing required environment variable", "key", key)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
