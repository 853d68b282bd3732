package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"studychat/internal/api"
	"studychat/internal/auth"
	"studychat/internal/config"
	"studychat/internal/llm"
	"studychat/internal/redis"
	"studychat/internal/service/assistant"
	"studychat/internal/storage"
	"studychat/internal/worker"
)

const defaultListenAddr = ":8090"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(os.Getenv("STUDYCHAT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dbType := os.Getenv("STUDYCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", dbType).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		// Redis only backs caches; the service degrades to DB reads without it.
		log.Warn().Err(err).Msg("redis unavailable, continuing without cache")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	assistantService := assistant.NewService(db)

	client := llm.NewClient(cfg.ModelAPI.BaseURL, modelKeys(cfg), nil)
	orchestrator := llm.NewOrchestrator(client, llm.Config{
		Chains:      cfg.Fallbacks.Chains,
		Universal:   cfg.Fallbacks.Universal,
		MaxRetries:  cfg.Fallbacks.MaxRetries,
		RetryDelay:  cfg.RetryDelay(),
		Temperature: cfg.ModelAPI.Temperature,
		MaxTokens:   cfg.ModelAPI.MaxTokens,
	})

	retrieval := worker.RetrievalConfig{
		ChunkSize:      cfg.Retrieval.ChunkSize,
		ChunkOverlap:   cfg.Retrieval.ChunkOverlap,
		TopK:           cfg.Retrieval.TopK,
		FallbackChunks: cfg.Retrieval.FallbackChunks,
	}
	workerManager := worker.NewManager(assistantService, orchestrator, rdb, retrieval)

	authService := auth.NewService(db, rdb, 24*time.Hour)

	cleanCtx, cleanCancel := context.WithCancel(context.Background())
	defer cleanCancel()
	cleanInterval := time.Duration(cfg.BasicConfig.CleanupMinutes) * time.Minute
	if cleanInterval <= 0 {
		cleanInterval = assistant.DefaultDocumentCleanupInterval
	}
	assistantService.StartDocumentCleaner(cleanCtx, cleanInterval)

	docTTL := time.Duration(cfg.BasicConfig.DocumentTTLMinutes) * time.Minute
	if docTTL <= 0 {
		docTTL = assistant.DefaultDocumentTTL
	}
	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "uploads"
	}

	handler := api.NewHandler(assistantService, authService, workerManager, fileBase, docTTL, retrieval)

	router := gin.Default()
	handler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = defaultListenAddr
	}
	log.Info().Str("addr", addr).Msg("listening")
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func modelKeys(cfg *config.Config) []string {
	keys := []string{cfg.ModelAPI.APIKey}
	if cfg.ModelAPI.SecondaryKey != "" {
		keys = append(keys, cfg.ModelAPI.SecondaryKey)
	}
	return keys
}
