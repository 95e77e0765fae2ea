// Package main is the entry point for the red-team campaign service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oremus-labs/ol-redteam/config"
	"github.com/oremus-labs/ol-redteam/internal/api"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/credentials"
	"github.com/oremus-labs/ol-redteam/internal/events"
	"github.com/oremus-labs/ol-redteam/internal/graphqlapi"
	"github.com/oremus-labs/ol-redteam/internal/handlers"
	"github.com/oremus-labs/ol-redteam/internal/jobs"
	"github.com/oremus-labs/ol-redteam/internal/logutil"
	"github.com/oremus-labs/ol-redteam/internal/queue"
	"github.com/oremus-labs/ol-redteam/internal/redisx"
	"github.com/oremus-labs/ol-redteam/internal/store"
	"github.com/oremus-labs/ol-redteam/internal/validator"
)

const (
	version         = "0.3.0-go"
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Initialize logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting red-team campaign service v%s", version)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Load configuration
	cfg := config.Load()
	logutil.Info("server_bootstrap", map[string]interface{}{
		"version":         version,
		"probeApi":        cfg.APIURL,
		"mockSource":      cfg.MockSource,
		"campaignTimeout": cfg.CampaignTimeout.String(),
		"datastore":       cfg.DataStoreDriver,
		"redisAddr":       cfg.RedisAddr,
	})

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(redisx.FromConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	eventBus := events.NewBus(events.Options{
		Client:  redisClient,
		Channel: cfg.EventsChannel,
	})
	defer eventBus.Close()

	requestValidator, err := validator.New(validator.Options{SchemaPath: cfg.SchemaPath})
	if err != nil {
		log.Fatalf("Failed to initialize campaign validator: %v", err)
	}

	creds := credentials.FromConfig(cfg)
	runner := campaign.NewRunner(campaign.Options{
		Source:  newSource(cfg, creds),
		Timeout: cfg.CampaignTimeout,
	})
	jobManager := jobs.New(jobs.Options{
		Store:          stateStore,
		Runner:         runner,
		Credentials:    creds,
		EventPublisher: eventBus,
		Context:        rootCtx,
	})
	if err := jobManager.WatchCancellations(rootCtx, eventBus); err != nil {
		log.Fatalf("Failed to subscribe to cancel requests: %v", err)
	}

	var producer *queue.Producer
	if redisClient != nil {
		producer = queue.NewProducer(redisClient, cfg.RedisCampaignStream)
	} else {
		log.Println("Campaign queue disabled (REDIS_ADDR not set); campaigns run in-process")
	}

	gqlHandler, err := graphqlapi.NewHandler(graphqlapi.Config{
		Campaigns: jobManager,
		History:   stateStore,
	})
	if err != nil {
		log.Fatalf("Failed to initialize GraphQL handler: %v", err)
	}

	deps := handlers.Deps{
		Campaigns: jobManager,
		Validator: requestValidator,
		Events:    eventBus,
		History:   stateStore,
	}
	if producer != nil {
		deps.Queue = producer
	}
	h := handlers.New(deps, handlers.Options{MockDelay: cfg.MockDelay})

	startAutomation(rootCtx, automationOptions{
		Store:             stateStore,
		Interval:          cfg.AutomationInterval,
		CampaignRetention: cfg.CampaignRetention,
		HistoryRetention:  cfg.HistoryRetention,
	})

	server := api.NewServer(h, api.Options{
		APIToken:       cfg.AuthToken,
		GraphQLHandler: gqlHandler,
		MockSource:     cfg.MockSource,
	})
	srv := server.Start(":" + cfg.ServerPort)
	log.Printf("Server listening on :%s", cfg.ServerPort)

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	rootCancel()
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	jobManager.Wait()

	log.Println("Server stopped")
}

// newSource selects where campaign streams come from.
func newSource(cfg *config.Config, creds campaign.CredentialProvider) campaign.Source {
	if cfg.MockSource {
		log.Println("Using the mock campaign source (MOCK_SOURCE set)")
		return &campaign.MockSource{Seed: time.Now().UnixNano(), Delay: cfg.MockDelay}
	}
	return &campaign.HTTPSource{
		BaseURL:     cfg.APIURL,
		RunPath:     cfg.RunPath,
		Credentials: creds,
	}
}
