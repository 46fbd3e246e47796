// Command aiworker runs the reference AI worker against the event bus.
// It consumes ai:request:* and answers with deterministic ghost
// proposals, which is enough to exercise the full propose-approve
// loop in development and staging.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"arcflow.dev/ai"
	"arcflow.dev/bus"
	"arcflow.dev/common"
	"arcflow.dev/kv"
)

func main() {
	common.Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := common.Component("aiworker")

	url := os.Getenv("KV_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	store, err := kv.New(url)
	if err != nil {
		log.WithError(err).Fatal("kv connection failed")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := ai.NewWorker(bus.New(store))
	if err := worker.Start(ctx); err != nil {
		log.WithError(err).Fatal("worker start failed")
	}
	defer worker.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("worker stopped")
}
