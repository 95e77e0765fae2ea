// Package main bootstraps the background worker that runs queued campaigns.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oremus-labs/ol-redteam/config"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/credentials"
	"github.com/oremus-labs/ol-redteam/internal/events"
	"github.com/oremus-labs/ol-redteam/internal/jobs"
	"github.com/oremus-labs/ol-redteam/internal/logutil"
	"github.com/oremus-labs/ol-redteam/internal/queue"
	"github.com/oremus-labs/ol-redteam/internal/redisx"
	"github.com/oremus-labs/ol-redteam/internal/store"
	"github.com/oremus-labs/ol-redteam/internal/worker"
)

const workerVersion = "0.3.0-go"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting red-team worker v%s", workerVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logutil.Info("worker_bootstrap", map[string]interface{}{
		"version":             workerVersion,
		"probeApi":            cfg.APIURL,
		"redisAddr":           cfg.RedisAddr,
		"redisCampaignStream": cfg.RedisCampaignStream,
		"redisCampaignGroup":  cfg.RedisCampaignGroup,
	})
	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		log.Fatalf("worker: failed to open datastore: %v", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(redisx.FromConfig(cfg))
	if err != nil {
		log.Fatalf("worker: failed to connect to redis: %v", err)
	}
	if redisClient == nil {
		log.Fatal("worker: REDIS_ADDR is required")
	}
	defer redisClient.Close()

	eventBus := events.NewBus(events.Options{
		Client:  redisClient,
		Channel: cfg.EventsChannel,
	})
	defer eventBus.Close()

	creds := credentials.FromConfig(cfg)
	var source campaign.Source = &campaign.HTTPSource{
		BaseURL:     cfg.APIURL,
		RunPath:     cfg.RunPath,
		Credentials: creds,
	}
	if cfg.MockSource {
		source = &campaign.MockSource{Seed: time.Now().UnixNano(), Delay: cfg.MockDelay}
	}
	jobManager := jobs.New(jobs.Options{
		Store:          stateStore,
		Runner:         campaign.NewRunner(campaign.Options{Source: source, Timeout: cfg.CampaignTimeout}),
		Credentials:    creds,
		EventPublisher: eventBus,
		Context:        ctx,
	})
	if err := jobManager.WatchCancellations(ctx, eventBus); err != nil {
		log.Fatalf("worker: failed to subscribe to cancel requests: %v", err)
	}

	host, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d", host, time.Now().UnixNano())
	runner := worker.New(worker.Options{
		Queue: queue.NewConsumer(redisClient, cfg.RedisCampaignStream, cfg.RedisCampaignGroup, consumerName),
		Jobs:  jobManager,
	})

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
	log.Println("worker exited cleanly")
}
