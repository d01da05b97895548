package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tehqua/medscreening/internal/embedding"
	"github.com/tehqua/medscreening/internal/imaging"
	"github.com/tehqua/medscreening/internal/llm"
	"github.com/tehqua/medscreening/internal/records"
	"github.com/tehqua/medscreening/internal/server"
	"github.com/tehqua/medscreening/internal/session"
	"github.com/tehqua/medscreening/internal/speech"
	"github.com/tehqua/medscreening/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The verbose flag wins; otherwise the configured level applies.
	if !verbose && cfg.Logging.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			zcfg := zap.NewProductionConfig()
			zcfg.Level = zap.NewAtomicLevelAt(lvl)
			if rebuilt, err := zcfg.Build(); err == nil {
				_ = logger.Sync()
				logger = rebuilt
			}
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	generator, err := llm.New(llm.Config{
		Provider:       llm.Provider(cfg.LLM.Provider),
		OllamaEndpoint: cfg.LLM.OllamaEndpoint,
		OllamaModel:    cfg.LLM.OllamaModel,
		GeminiAPIKey:   cfg.LLM.GeminiAPIKey,
		GeminiModel:    cfg.LLM.GeminiModel,
		Timeout:        cfg.LLM.Timeout.Std(),
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Records.EmbeddingProvider,
		OllamaEndpoint: cfg.Records.EmbeddingEndpoint,
		OllamaModel:    cfg.Records.EmbeddingModel,
		GenAIAPIKey:    cfg.Records.GenAIAPIKey,
	})
	if err != nil {
		return err
	}

	recordStore, err := records.Open(cfg.Records.DBPath, engine, logger.Named("records"))
	if err != nil {
		return err
	}
	defer recordStore.Close()

	sessionStore, err := session.Open(cfg.Sessions.DBPath, cfg.Sessions.TTL.Std(), logger.Named("sessions"))
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	transcriber := speech.NewWhisperClient(speech.Config{
		Endpoint: cfg.Speech.Endpoint,
		Language: cfg.Speech.Language,
		Timeout:  cfg.Speech.Timeout.Std(),
	})
	classifier := imaging.NewClient(imaging.Config{
		Endpoint: cfg.Imaging.Endpoint,
		Timeout:  cfg.Imaging.Timeout.Std(),
	})

	orchestrator := workflow.NewOrchestrator(
		workflow.Deps{
			Transcriber: transcriber,
			Classifier:  classifier,
			Retriever:   recordStore,
			Generator:   generator,
		},
		sessionStore,
		workflow.Config{
			StepBudget:           cfg.Workflow.StepBudget,
			TopK:                 cfg.Workflow.TopK,
			HistoryWindow:        cfg.Workflow.HistoryWindow,
			EmergencyPhrases:     cfg.Workflow.EmergencyPhrases,
			HistoryIntentPhrases: cfg.Workflow.HistoryIntentPhrases,
		},
		logger.Named("workflow"),
	)

	tokens, err := server.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return err
	}

	var pinger server.Pinger
	if oc, ok := generator.(*llm.OllamaClient); ok {
		pinger = oc
	}

	srv := server.New(server.Options{
		Runner:        orchestrator,
		Sessions:      sessionStore,
		Tokens:        tokens,
		UploadDir:     cfg.Server.UploadDir,
		RatePerMinute: cfg.Server.RatePerMinute,
		RateBurst:     cfg.Server.RateBurst,
		ModelPinger:   pinger,
		DBPinger:      sessionStore,
		Log:           logger.Named("http"),
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.RequestTimeout.Std(),
		WriteTimeout: cfg.Server.RequestTimeout.Std(),
	}

	cleaner := session.NewCleaner(sessionStore, cfg.Sessions.CleanupInterval.Std(), logger.Named("cleaner"))
	// Uploads older than the session TTL cannot belong to a live session.
	cleaner.TrackUploads(cfg.Server.UploadDir, cfg.Sessions.TTL.Std())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := cleaner.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}
