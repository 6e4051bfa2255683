package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"social-post-scheduler/internal/config"
	"social-post-scheduler/internal/publisher"
	"social-post-scheduler/internal/store"
	"social-post-scheduler/internal/telemetry"
	workerproc "social-post-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	registry := publisher.NewRegistry(
		publisher.NewInstagram(cfg.FacebookAPIVersion),
		publisher.NewFacebook(cfg.FacebookAPIVersion),
		publisher.NewTwitter(cfg.TwitterConsumerKey, cfg.TwitterConsumerSecret, cfg.MediaMaxBytes),
		publisher.NewLinkedIn(cfg.MediaMaxBytes),
		publisher.NewYouTube(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.MediaMaxBytes),
		publisher.NewWordPress(),
	)

	processor := workerproc.NewProcessor(cfg, st, registry, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
	}
}
