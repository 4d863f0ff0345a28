package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kirillkom/scanmaster/internal/bootstrap"
	"github.com/kirillkom/scanmaster/internal/config"
	"github.com/kirillkom/scanmaster/internal/observability/logging"
	"github.com/kirillkom/scanmaster/internal/observability/metrics"
)

type stageMetricsObserver struct {
	pipeline *metrics.PipelineMetrics
}

func (o *stageMetricsObserver) StageStarted(lag time.Duration) {
	o.pipeline.StartStage()
	o.pipeline.ObserveQueueLag("worker", lag)
}

func (o *stageMetricsObserver) StageFinished(stage string, duration time.Duration, err error) {
	o.pipeline.FinishStage("worker", stage, duration, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	pipelineMetrics := metrics.NewPipelineMetrics("worker")
	app.Processor.WithObserver(&stageMetricsObserver{pipeline: pipelineMetrics})
	app.Sweeper.WithSweptCallback(pipelineMetrics.CleanupSwept)

	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: pipelineMetrics.Handler(),
	}
	go func() {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker_metrics_server_error", "error", err)
		}
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("worker_subscribed", "subject", cfg.NATSSubject)
		if err := app.Queue.SubscribeDocumentEvents(ctx, app.Processor.ProcessByID); err != nil {
			logger.Error("worker_subscribe_error", "error", err)
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Sweeper.RunRedispatchLoop(ctx, time.Duration(cfg.DispatchPollSecs)*time.Second)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Sweeper.RunCleanupLoop(ctx, time.Duration(cfg.CleanupSweepSecs)*time.Second)
	}()

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
