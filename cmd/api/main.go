package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/scanmaster/internal/adapters/http"
	"github.com/kirillkom/scanmaster/internal/bootstrap"
	"github.com/kirillkom/scanmaster/internal/config"
	"github.com/kirillkom/scanmaster/internal/observability/logging"
	"github.com/kirillkom/scanmaster/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewJSONLogger("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	validator, err := httpadapter.NewRequestValidator(ctx)
	if err != nil {
		log.Fatalf("openapi error: %v", err)
	}
	httpMetrics := metrics.NewHTTPMetrics("api")

	router := httpadapter.NewRouter(
		app.UploadUC, app.ManageUC, app.ManageUC, app.ChatUC,
		app.DownloadUC, app.ReconcileUC, app.Quota,
		httpadapter.RouterOptions{
			Metrics:             httpMetrics,
			UploadRatePerMinute: cfg.UploadRatePerMinute,
			Validator:           validator,
		},
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", httpMetrics.Handler())
	mux.Handle("/", router.Handler())

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		log.Fatalf("listen error: %v", err)
	}
	listener = netutil.LimitListener(listener, cfg.APIMaxConns)

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "max_conns", cfg.APIMaxConns)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_error", "error", err)
	}
}
