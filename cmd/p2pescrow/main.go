package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/p2pdesk/escrow/internal/config"
	"github.com/p2pdesk/escrow/internal/engine"
	"github.com/p2pdesk/escrow/internal/fees"
	"github.com/p2pdesk/escrow/internal/handler"
	"github.com/p2pdesk/escrow/internal/metrics"
	"github.com/p2pdesk/escrow/internal/reputation"
	"github.com/p2pdesk/escrow/internal/service"
	"github.com/p2pdesk/escrow/internal/store"
	"github.com/p2pdesk/escrow/internal/store/postgres"
)

// repositories is the storage backend selected at startup.
type repositories struct {
	orders   service.OrderRepository
	trades   service.TradeRepository
	escrows  service.EscrowRepository
	disputes service.DisputeRepository
	messages service.MessageRepository
	reviews  service.ReviewRepository
	methods  service.PaymentMethodRepository
	close    func()
}

func inMemory() repositories {
	return repositories{
		orders:   store.NewOrderStore(),
		trades:   store.NewTradeStore(),
		escrows:  store.NewEscrowStore(),
		disputes: store.NewDisputeStore(),
		messages: store.NewMessageStore(),
		reviews:  store.NewReviewStore(),
		methods:  store.NewPaymentMethodStore(),
		close:    func() {},
	}
}

func openPostgres(ctx context.Context, url string, logger *slog.Logger) (repositories, error) {
	db, err := postgres.Open(ctx, url, logger)
	if err != nil {
		return repositories{}, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return repositories{}, err
	}
	return repositories{
		orders:   db,
		trades:   db,
		escrows:  db,
		disputes: db,
		messages: db,
		reviews:  db,
		methods:  db,
		close:    db.Close,
	}, nil
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage.
	repos := inMemory()
	if cfg.DatabaseURL != "" {
		repos, err = openPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to open database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("using postgres store")
	} else {
		logger.Info("using in-memory store")
	}
	defer repos.close()

	// Scoring.
	scorer, err := reputation.NewScorer(cfg.ReputationWeights)
	if err != nil {
		logger.Error("invalid reputation weights", slog.String("error", err.Error()))
		os.Exit(1)
	}
	matcher, err := engine.NewMatcher(cfg.MatchWeights, scorer)
	if err != nil {
		logger.Error("invalid match weights", slog.String("error", err.Error()))
		os.Exit(1)
	}
	m := metrics.New("p2pescrow")

	// Audit sinks.
	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), cfg.AuditWebhookURL, cfg.AuditTimeout, logger)
	audit := service.MultiAudit{service.NewSlogAudit(logger), webhookSvc}

	// Services.
	orderSvc := service.NewOrderService(repos.orders, audit, logger)
	escrowSvc := service.NewEscrowService(repos.escrows)
	reviewSvc := service.NewReviewService(repos.reviews, repos.trades, repos.disputes, scorer)
	tradeSvc := service.NewTradeService(service.TradeDeps{
		Orders:         repos.orders,
		Trades:         repos.trades,
		Escrow:         escrowSvc,
		Disputes:       repos.disputes,
		Messages:       repos.messages,
		PaymentMethods: repos.methods,
		Fees:           fees.NewCalculator(fees.DefaultSchedule()),
		Stats:          reviewSvc,
		Audit:          audit,
		Recorder:       m,
		Logger:         logger,
		FeeWindow:      cfg.FeeVolumeWindow,
	})
	disputeSvc := service.NewDisputeService(repos.disputes, tradeSvc, escrowSvc, repos.messages, audit, m, logger)

	// Router.
	router := handler.NewRouter(handler.Services{
		Orders:         orderSvc,
		Matches:        service.NewMatchService(repos.orders, reviewSvc, matcher),
		Trades:         tradeSvc,
		Escrow:         escrowSvc,
		Disputes:       disputeSvc,
		Messages:       service.NewMessageService(repos.messages, repos.trades),
		Reviews:        reviewSvc,
		PaymentMethods: service.NewPaymentMethodService(repos.methods),
		Webhooks:       webhookSvc,
	}, m.Handler(), logger)

	// Start the expiry sweeper.
	sweeper := engine.NewSweeper(cfg.SweepInterval, tradeSvc, orderSvc, m, logger)
	go sweeper.Start(ctx)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, then the sweeper.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped")
}
