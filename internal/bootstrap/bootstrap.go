package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/scanmaster/internal/config"
	"github.com/kirillkom/scanmaster/internal/core/ports"
	"github.com/kirillkom/scanmaster/internal/core/usecase"
	"github.com/kirillkom/scanmaster/internal/infrastructure/chunking"
	"github.com/kirillkom/scanmaster/internal/infrastructure/convert/office"
	"github.com/kirillkom/scanmaster/internal/infrastructure/extractor/doctext"
	"github.com/kirillkom/scanmaster/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/scanmaster/internal/infrastructure/payment/razorpay"
	"github.com/kirillkom/scanmaster/internal/infrastructure/queue/nats"
	"github.com/kirillkom/scanmaster/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/scanmaster/internal/infrastructure/resilience"
	"github.com/kirillkom/scanmaster/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/scanmaster/internal/infrastructure/vector/qdrant"
)

// App wires the infrastructure and use cases shared by the api, worker and
// mcp processes.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue   ports.MessageQueue
	Quota   ports.QuotaLedger
	Docs    ports.DocumentStore
	Storage ports.ObjectStorage

	UploadUC    ports.DocumentIngestor
	ManageUC    *usecase.ManageDocumentsUseCase
	ChatUC      ports.DocumentChat
	DownloadUC  ports.DownloadService
	ReconcileUC ports.PaymentReconciler
	Processor   *usecase.PipelineOrchestrator
	Sweeper     *usecase.DispatchSweeper

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	docs := postgres.NewDocumentStore(db)
	quota := postgres.NewQuotaLedger(db, cfg.FreeTierUploadLimit, cfg.QuotaPeriodDays)
	contexts := postgres.NewChatContextStore(db)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	converter := office.New(cfg.ConverterURL, time.Duration(cfg.ConverterTimeoutSeconds)*time.Second)

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel).WithExecutor(executor)
	embedder := ollama.NewEmbedder(ollamaClient)
	summarizer := ollama.NewSummarizer(ollamaClient)
	generator := ollama.NewGenerator(ollamaClient)

	index := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection)
	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	extractor := doctext.New(storage)
	verifier := razorpay.New(cfg.RazorpayKeySecret)

	uploadUC := usecase.NewUploadDocumentUseCase(docs, quota, storage, queue, logger)
	manageUC := usecase.NewManageDocumentsUseCase(docs, contexts, index, storage, queue, logger)
	chatUC := usecase.NewChatUseCase(manageUC, embedder, index, generator, cfg.ChatTopK)
	downloadUC := usecase.NewDownloadUseCase(manageUC, docs, storage, cfg.DownloadTokenSecret,
		time.Duration(cfg.DownloadTokenTTLMinutes)*time.Minute)
	reconcileUC := usecase.NewReconcilePaymentUseCase(verifier, quota, logger)

	chatPrep := usecase.NewChatPreparation(contexts, extractor, chunker, embedder, index, summarizer, logger)
	processor := usecase.NewPipelineOrchestrator(docs, converter, chatPrep, storage, queue, logger, usecase.OrchestratorConfig{
		MaxRetries:   cfg.PipelineMaxRetries,
		BackoffBase:  time.Duration(cfg.PipelineBackoffSeconds) * time.Second,
		BackoffCap:   time.Duration(cfg.PipelineBackoffCapSecs) * time.Second,
		StageTimeout: time.Duration(cfg.ProcessTimeoutSecs) * time.Second,
	})
	sweeper := usecase.NewDispatchSweeper(docs, queue, storage, logger, 50)

	return &App{
		Config: cfg,
		Logger: logger,

		Queue:   queue,
		Quota:   quota,
		Docs:    docs,
		Storage: storage,

		UploadUC:    uploadUC,
		ManageUC:    manageUC,
		ChatUC:      chatUC,
		DownloadUC:  downloadUC,
		ReconcileUC: reconcileUC,
		Processor:   processor,
		Sweeper:     sweeper,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
