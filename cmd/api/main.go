// Package main implements the merchant API server: catalog management,
// storefront chat, account settings and order checkout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/dennj/agnomerchant/engine/account"
	"github.com/dennj/agnomerchant/engine/catalog"
	"github.com/dennj/agnomerchant/engine/chat"
	"github.com/dennj/agnomerchant/pkg/agno"
	"github.com/dennj/agnomerchant/pkg/auth"
	"github.com/dennj/agnomerchant/pkg/events"
	"github.com/dennj/agnomerchant/pkg/llm"
	"github.com/dennj/agnomerchant/pkg/metrics"
	"github.com/dennj/agnomerchant/pkg/mid"
	"github.com/dennj/agnomerchant/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port           string
	QdrantURL      string
	QdrantAPIKey   string
	Collection     string
	OpenAIKey      string
	OpenAIBaseURL  string
	ChatModel      string
	EmbedModel     string
	DatabaseURL    string
	JWTSecret      string
	AgnoKey        string
	AgnoAPIURL     string
	WalletURL      string
	NATSURL        string
	CORSOrigin     string
	ChatRate       float64
	TrustProxy     bool
	CatalogSummary bool
}

func loadConfig() Config {
	return Config{
		Port:           envOr("PORT", "8080"),
		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		QdrantAPIKey:   os.Getenv("QDRANT_API_KEY"),
		Collection:     envOr("QDRANT_COLLECTION", catalog.DefaultCollection),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		ChatModel:      envOr("CHAT_MODEL", llm.DefaultChatModel),
		EmbedModel:     envOr("EMBED_MODEL", llm.DefaultEmbedModel),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("SUPABASE_JWT_SECRET"),
		AgnoKey:        os.Getenv("AGNOPAY_KEY"),
		AgnoAPIURL:     envOr("AGNO_API_URL", agno.DefaultAPIURL),
		WalletURL:      envOr("AGNO_WALLET_URL", agno.DefaultWalletURL),
		NATSURL:        os.Getenv("NATS_URL"),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
		ChatRate:       envFloat("CHAT_RATE_PER_SEC", 2),
		TrustProxy:     envBool("TRUST_PROXY", false),
		CatalogSummary: envBool("CHAT_CATALOG_SUMMARY", false),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not read .env", "err", err)
	}
	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Qdrant ---
	store, err := catalog.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.Collection, catalog.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	reg := metrics.New()

	// --- Language model ---
	breakerOpen := reg.Gauge("agnomerchant_llm_breaker_open", "1 while the OpenAI circuit breaker rejects calls.")
	onBreaker := func(from, to resilience.State) {
		logger.Warn("llm circuit breaker", "from", from.String(), "to", to.String())
		if to == resilience.StateOpen {
			breakerOpen.Set(1)
		} else {
			breakerOpen.Set(0)
		}
	}
	model := llm.New(llm.Config{
		APIKey:          cfg.OpenAIKey,
		BaseURL:         cfg.OpenAIBaseURL,
		ChatModel:       cfg.ChatModel,
		EmbedModel:      cfg.EmbedModel,
		OnBreakerChange: onBreaker,
	})

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = store.EnsureCollection(initCtx, model.Dimensions())
	cancel()
	if err != nil {
		// Not fatal: Qdrant may come up after us, and reads report their own errors.
		logger.Warn("collection bootstrap failed", "collection", cfg.Collection, "err", err)
	}

	// --- Postgres (optional) ---
	var (
		accounts *account.Store
		prompts  chat.PromptSource
	)
	if cfg.DatabaseURL != "" {
		pool, err := account.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		accounts = account.New(pool)
		prompts = accounts
	} else {
		logger.Warn("DATABASE_URL not set; account and catalog management routes are disabled")
	}

	// --- NATS (optional) ---
	var notifier catalog.Notifier
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("agnomerchant-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		notifier = events.NewPublisher(nc)
	}

	// --- Services ---
	products := catalog.NewService(store, model, notifier, logger)

	chatOpts := chat.DefaultOptions()
	chatOpts.CatalogSummary = cfg.CatalogSummary
	chatSvc := chat.New(model, model, store, store, prompts, chatOpts, logger)

	var orders orderCreator
	if cfg.AgnoKey != "" {
		orders = agno.NewClient(cfg.AgnoKey, cfg.AgnoAPIURL)
	} else {
		logger.Warn("AGNOPAY_KEY not set; order creation is disabled")
	}

	srv := &server{
		catalog:    products,
		chat:       chatSvc,
		orders:     orders,
		auth:       auth.NewVerifier(cfg.JWTSecret),
		walletURL:  cfg.WalletURL,
		trustProxy: cfg.TrustProxy,
		metrics:    reg,
		logger:     logger,
	}
	if accounts != nil {
		srv.accounts = accounts
	}

	handler := mid.Chain(srv.routes(cfg.ChatRate),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("agnomerchant-api"),
		mid.Metrics(reg),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "collection", cfg.Collection)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	return httpSrv.Shutdown(shutCtx)
}
