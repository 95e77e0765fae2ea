// Package handlers provides HTTP request handlers for the red-team API.
package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/events"
	"github.com/oremus-labs/ol-redteam/internal/openapi"
	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/oremus-labs/ol-redteam/internal/store"
	"github.com/oremus-labs/ol-redteam/internal/validator"
)

// Options configures handler runtime behavior.
type Options struct {
	// MockDelay is slept between records on the mock probe stream.
	MockDelay time.Duration
	// HeartbeatInterval spaces SSE keep-alive comments.
	HeartbeatInterval time.Duration
}

type campaignService interface {
	Enqueue(campaign.Request) (*store.Campaign, error)
	CreateCampaign(campaign.Request) (*store.Campaign, error)
	Execute(*store.Campaign, campaign.Request)
	GetCampaign(string) (*store.Campaign, error)
	ListCampaigns(int, store.Status) ([]store.Campaign, error)
	Report(string) (*store.Campaign, *results.Report, error)
	Cancel(string) error
}

type requestValidator interface {
	Validate([]byte, *campaign.Request) validator.Result
}

type campaignQueue interface {
	Enqueue(context.Context, string, campaign.Request) error
}

type eventSubscriber interface {
	Subscribe(context.Context) (<-chan events.Event, func(), error)
}

type historyStore interface {
	ListHistory(int) ([]store.HistoryEntry, error)
}

// Deps bundles the services handlers call into. Nil members disable the
// routes that need them.
type Deps struct {
	Campaigns campaignService
	Validator requestValidator
	Queue     campaignQueue
	Events    eventSubscriber
	History   historyStore
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	campaigns campaignService
	checker   requestValidator
	queue     campaignQueue
	events    eventSubscriber
	history   historyStore
	opts      Options
}

// New creates a new Handler instance.
func New(deps Deps, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	return &Handler{
		campaigns: deps.Campaigns,
		checker:   deps.Validator,
		queue:     deps.Queue,
		events:    deps.Events,
		history:   deps.History,
		opts:      opts,
	}
}

// Health returns the health status of the service.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// OpenAPISpec serves the API description as JSON.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	data, err := openapi.JSON()
	if err != nil {
		log.Printf("Failed to render OpenAPI document: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render OpenAPI document"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// ListHistory returns recent campaign lifecycle entries.
func (h *Handler) ListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "datastore not configured"})
		return
	}
	entries, err := h.history.ListHistory(queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 500 {
		return 500
	}
	return n
}
