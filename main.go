package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videoQA/config"
	"videoQA/core"
	"videoQA/processors"
	"videoQA/server"
	"videoQA/storage"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFile, "path to config.json")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	report := config.NewValidator().ValidateConfig(cfg)
	if !report.Valid {
		log.Print(report.GetFormattedReport())
	}
	if err := cfg.Validate(); err != nil {
		config.PrintConfigInstructions()
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pc := cfg.ProcessorConfig()
	oa := processors.NewOpenAIClient(cfg.APIKey, cfg.BaseURL)

	acquirer := processors.NewAcquirer(
		processors.NewYouTubeSource(nil, ""),
		processors.NewLLMTranslator(oa, cfg.TranslationModel, pc.TargetLanguage),
		processors.NewWhisperTranscriber(oa, cfg.WhisperModel, cfg.AudioWorkDir, processors.WithTools(cfg.YtDlpPath, cfg.FFmpegPath)),
		pc,
	)

	index, closeIndex := storage.NewVectorIndex(ctx, cfg)
	defer closeIndex()

	cache, closeCache := storage.NewCacheStore(ctx, cfg)
	defer closeCache()

	pipeline := processors.NewPipeline(
		acquirer,
		processors.NewIndexer(index, pc),
		processors.NewGenerator(processors.NewOpenAIModel(oa, cfg.ChatModel), pc.GenerateTimeout),
		cache,
		core.NewSessionTable(),
		pc,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.New(pipeline, server.DefaultLimits).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down services...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP shutdown: %v", err)
	}
	pipeline.Shutdown(shutdownCtx)
	log.Println("All services shut down gracefully")
}
