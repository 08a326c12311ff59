package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"offload/internal/engine"
	"offload/internal/logging"

	// source drivers self-register
	_ "offload/source/bytes"
	_ "offload/source/kafka"
)

func main() {
	specYml := flag.String("spec", "offload.yml", "offload spec file")
	engineYml := flag.String("config", "", "engine config file (optional)")
	metricsPort := flag.Int("metrics-port", 0, "override metrics port")
	flag.Parse()

	logging.InitFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, engine.Config{
		SpecYml:     *specYml,
		EngineYml:   *engineYml,
		MetricsPort: *metricsPort,
	})
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer e.Close()

	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("engine: %v", err)
	}
}
