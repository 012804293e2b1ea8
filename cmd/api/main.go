// Package main is the entry point for the engine API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/assembler"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/character"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/config"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/events"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/handler"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/memory"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/middleware"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/moderation"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/service"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/session"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Infow("starting engine API server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "companion-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Errorw("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var natsClient *events.Client
	var publisher events.Publisher = events.NopPublisher{}
	natsClient, err = events.Connect(ctx, events.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Warnw("NATS unavailable, event publication disabled", "error", err)
		natsClient = nil
	} else {
		defer natsClient.Close()
		publisher = events.NewPublisher(natsClient, log)
	}

	var llmClient llm.Client
	switch {
	case cfg.AnthropicAPIKey != "":
		llmClient, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	case cfg.OpenAIAPIKey != "":
		llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	default:
		log.Errorw("no generation provider API key configured")
		os.Exit(1)
	}
	if err != nil {
		log.Errorw("failed to create provider client", "error", err)
		os.Exit(1)
	}
	gateway := llm.NewGateway(llmClient, log, cfg.GenerationTimeout, cfg.GenerationRetries)

	var catalog character.Catalog
	if cfg.CharacterServiceURL != "" {
		catalog = character.NewCachedCatalog(
			character.NewHTTPCatalog(cfg.CharacterServiceURL), log, cfg.CharacterCacheTTL)
	} else {
		log.Warnw("no character service configured, using built-in catalog")
		catalog = character.NewStaticCatalog(&character.Character{
			ID:      "default",
			Name:    "Aria",
			Persona: "A warm, curious companion who listens closely and remembers what matters.",
		})
	}

	policy := memory.NewKeywordPolicy()
	extractor := memory.NewExtractor(st, log, policy, cfg.ExtractionWorkers, cfg.ExtractionQueueSize)
	extractor.Start()
	defer extractor.Stop()

	asm := assembler.New(st, log, assembler.Options{
		Window:          cfg.ContextWindow,
		MemoryLimit:     cfg.MemoryLimit,
		Budget:          cfg.PromptBudget,
		RecencyHalfLife: cfg.RecencyHalfLife,
	})

	conversationSvc := service.NewConversationService(
		st,
		catalog,
		moderation.NewKeywordScreener(),
		asm,
		gateway,
		extractor,
		memory.NewConsolidator(st, gateway, policy, log),
		publisher,
		log,
	)
	defer conversationSvc.Close()

	registry := session.NewRegistry(log, session.Options{
		PingInterval: cfg.KeepaliveInterval,
		PongTimeout:  cfg.KeepaliveTimeout,
		SendBuffer:   cfg.SendBufferSize,
	})
	defer registry.Close()

	healthHandler := handler.NewHealthHandler(natsClient, st)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(conversationSvc, registry, log)
	memoryHandler := handler.NewMemoryHandler(conversationSvc, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Start)
			r.Get("/", conversationHandler.List)
			r.Post("/export", conversationHandler.Export)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Delete("/", conversationHandler.Delete)

				r.Post("/end", conversationHandler.End)
				r.Post("/pause", conversationHandler.Pause)
				r.Post("/resume", conversationHandler.Resume)
				r.Post("/archive", conversationHandler.Archive)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)

				r.Get("/stream", streamHandler.Connect)
			})
		})

		r.Put("/memory", memoryHandler.Update)
		r.Get("/characters/{characterID}/statistics", conversationHandler.Statistics)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infow("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Infow("server stopped")
}
