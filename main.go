package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/serisow/catalogpipe/config"
	"github.com/serisow/catalogpipe/db"
	"github.com/serisow/catalogpipe/logging"
	"github.com/serisow/catalogpipe/model_registry"
	"github.com/serisow/catalogpipe/model_service"
	"github.com/serisow/catalogpipe/orchestrator"
	"github.com/serisow/catalogpipe/server"
	"github.com/serisow/catalogpipe/store"

	"github.com/serisow/catalogpipe/services/association_service"
	"github.com/serisow/catalogpipe/services/boundary_service"
	"github.com/serisow/catalogpipe/services/consensus_service"
	"github.com/serisow/catalogpipe/services/embedding_service"
	"github.com/serisow/catalogpipe/services/escalation_service"
	"github.com/serisow/catalogpipe/services/quality_service"

	"github.com/urfave/negroni"
)

func main() {
	cfg := config.Load()

	// Initialize the logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	// Connect to the database and prepare the schema
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to the database: %v", err)
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	st := store.New(pool, logger)

	// Initialize ModelRegistry and the tier chain
	registry := model_registry.NewModelRegistry()
	registerModelServices(registry, logger)
	registerConfidenceFloors(registry)

	chain, err := registry.BuildChain(tierChain(cfg))
	if err != nil {
		log.Fatalf("Failed to build tier chain: %v", err)
	}

	embedder := embedding_service.NewOpenAIEmbedder(cfg.EmbeddingAPIURL, cfg.OpenAIAPIKey, cfg.EmbeddingModel)

	escalation := escalation_service.NewEngine(chain, registry, st, logger)
	consensus := consensus_service.NewValidator(escalation.Chain(), st, logger)
	quality := quality_service.NewEngine(cfg.QualityFloor, logger)
	deduper := quality_service.NewDeduper(cfg.NearDupThreshold, cfg.DedupWindow, logger)
	detector := boundary_service.NewDetector(cfg.BoundarySimFloor, cfg.BoundaryThreshold, logger)
	validator := boundary_service.NewValidator(logger)
	association, err := association_service.NewEngine(association_service.Weights{
		Spatial: cfg.AssociationSpatial,
		Textual: cfg.AssociationTextual,
		Visual:  cfg.AssociationVisual,
	}, cfg.AssociationThreshold, cfg.AssociationCap, logger)
	if err != nil {
		log.Fatalf("Invalid association weights: %v", err)
	}

	orch := orchestrator.New(st, quality, deduper, escalation, consensus, detector, validator, association, embedder, logger)
	orch.Concurrency = cfg.StageConcurrency

	// Recover documents interrupted by the previous run.
	go func() {
		if err := orch.ResumeIncomplete(context.Background()); err != nil {
			logger.Error("Startup recovery failed", slog.String("error", err.Error()))
		}
	}()

	// Initialize server
	r := server.SetupRoutes(st, orch, embedder, logger, pool)
	n := setupNegroni(r)

	if cfg.Environment == "production" {
		server.ServeProduction(n, cfg)
	} else {
		srv := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      n,
			IdleTimeout:  time.Minute,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		server.ServeDevelopment(srv)
	}
}

func setupNegroni(r *mux.Router) *negroni.Negroni {
	n := negroni.New()

	// Add middleware here
	n.Use(negroni.NewRecovery())
	n.Use(negroni.NewLogger())

	n.UseHandler(r)
	return n
}

func registerModelServices(registry *model_registry.ModelRegistry, logger *slog.Logger) {
	registry.RegisterModelService("openai", model_service.NewOpenAIService(logger))
	registry.RegisterModelService("anthropic", model_service.NewAnthropicService(logger))
	registry.RegisterModelService("gemini", model_service.NewGeminiService(logger))
}

// registerConfidenceFloors sets the per-task floors; anything not listed
// falls back to the registry default. Safety and pricing answers feed
// compliance checks and quotes directly, so their floors sit above the
// general 0.65-0.75 band and escalate to stronger tiers more often.
func registerConfidenceFloors(registry *model_registry.ModelRegistry) {
	registry.SetConfidenceFloor(model_service.TaskChunkClassification, 0.70)
	registry.SetConfidenceFloor(model_service.TaskEntityNameExtraction, 0.75)
	registry.SetConfidenceFloor(model_service.TaskStructuredSpecs, 0.75)
	registry.SetConfidenceFloor(model_service.TaskSafetyCompliance, 0.85)
	registry.SetConfidenceFloor(model_service.TaskPricing, 0.80)
	registry.SetConfidenceFloor(model_service.TaskAttributeExtraction, 0.65)
}

// tierChain declares the escalation chain in cost order. Later tiers are
// stronger models with higher cost multipliers.
func tierChain(cfg config.Config) []model_registry.TierSpec {
	return []model_registry.TierSpec{
		{
			Name:        "fast",
			ServiceName: "gemini",
			Config: map[string]interface{}{
				"api_url":            "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent",
				"api_key":            cfg.GeminiAPIKey,
				"temperature":        0.0,
				"default_confidence": 0.5,
			},
			CostMultiplier:    1,
			ReliabilityWeight: 0.8,
			DefaultConfidence: 0.5,
			Timeout:           cfg.ModelCallTimeout,
		},
		{
			Name:        "standard",
			ServiceName: "openai",
			Config: map[string]interface{}{
				"api_url":            "https://api.openai.com/v1/chat/completions",
				"api_key":            cfg.OpenAIAPIKey,
				"model_name":         "gpt-4o-mini",
				"temperature":        0.0,
				"default_confidence": 0.6,
			},
			CostMultiplier:    4,
			ReliabilityWeight: 1.0,
			DefaultConfidence: 0.6,
			Timeout:           cfg.ModelCallTimeout,
		},
		{
			Name:        "advanced",
			ServiceName: "openai",
			Config: map[string]interface{}{
				"api_url":            "https://api.openai.com/v1/chat/completions",
				"api_key":            cfg.OpenAIAPIKey,
				"model_name":         "gpt-4o",
				"temperature":        0.0,
				"default_confidence": 0.7,
			},
			CostMultiplier:    15,
			ReliabilityWeight: 1.2,
			DefaultConfidence: 0.7,
			Timeout:           cfg.ModelCallTimeout,
		},
		{
			Name:        "premium",
			ServiceName: "anthropic",
			Config: map[string]interface{}{
				"api_url":            "https://api.anthropic.com/v1/messages",
				"api_key":            cfg.AnthropicAPIKey,
				"model_name":         "claude-3-5-sonnet-20241022",
				"max_tokens":         4096,
				"default_confidence": 0.75,
			},
			CostMultiplier:    25,
			ReliabilityWeight: 1.5,
			DefaultConfidence: 0.75,
			Timeout:           cfg.ModelCallTimeout,
		},
	}
}

func initLogger() (*slog.Logger, error) {
	logDir := filepath.Join("logs", "pipeline")

	fileHandler, err := logging.NewDailyFileHandler(logDir, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	if err != nil {
		return nil, err
	}

	logger := slog.New(fileHandler)

	return logger, nil
}
