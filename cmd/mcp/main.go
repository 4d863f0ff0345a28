package main

import (
	"context"
	"log"

	mcpadapter "github.com/kirillkom/scanmaster/internal/adapters/mcp"
	"github.com/kirillkom/scanmaster/internal/bootstrap"
	"github.com/kirillkom/scanmaster/internal/config"
	"github.com/kirillkom/scanmaster/internal/observability/logging"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewJSONLogger("mcp", cfg.LogLevel)

	app, err := bootstrap.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	server := mcpadapter.NewServer(app.ManageUC, app.ChatUC, version)
	if err := server.ServeStdio(); err != nil {
		log.Fatalf("mcp server error: %v", err)
	}
}
