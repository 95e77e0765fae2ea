package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/jobs"
	"github.com/oremus-labs/ol-redteam/internal/store"
)

const maxRequestBody = 1 << 20

// readCampaignRequest decodes the request body and returns the raw bytes for
// schema validation.
func readCampaignRequest(c *gin.Context) ([]byte, *campaign.Request, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	var req campaign.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign request: " + err.Error()})
		return nil, nil, false
	}
	return raw, &req, true
}

// ValidateCampaign checks a campaign request without running it.
func (h *Handler) ValidateCampaign(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "validator not configured"})
		return
	}
	raw, req, ok := readCampaignRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.checker.Validate(raw, req))
}

// CreateCampaign validates and schedules a campaign. When a queue is
// configured the run is handed to a worker; otherwise it runs in-process.
func (h *Handler) CreateCampaign(c *gin.Context) {
	if h.campaigns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "campaign manager not configured"})
		return
	}
	raw, req, ok := readCampaignRequest(c)
	if !ok {
		return
	}
	if h.checker != nil {
		if result := h.checker.Validate(raw, req); !result.Valid {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "campaign request failed validation", "validation": result})
			return
		}
	}

	if h.queue == nil {
		record, err := h.campaigns.Enqueue(*req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, record)
		return
	}

	record, err := h.campaigns.CreateCampaign(*req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.queue.Enqueue(c.Request.Context(), record.ID, *req); err != nil {
		log.Printf("Failed to enqueue campaign %s, running in-process: %v", record.ID, err)
		h.campaigns.Execute(record, *req)
	}
	c.JSON(http.StatusAccepted, record)
}

// ListCampaigns returns recent campaigns, optionally filtered by ?status=.
func (h *Handler) ListCampaigns(c *gin.Context) {
	if h.campaigns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "campaign manager not configured"})
		return
	}
	list, err := h.campaigns.ListCampaigns(queryLimit(c, 50), store.Status(c.Query("status")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []store.Campaign{}
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": list})
}

// GetCampaign returns a single campaign.
func (h *Handler) GetCampaign(c *gin.Context) {
	if h.campaigns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "campaign manager not configured"})
		return
	}
	record, err := h.campaigns.GetCampaign(c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// CampaignResults returns the classified results and summary of a completed campaign.
func (h *Handler) CampaignResults(c *gin.Context) {
	if h.campaigns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "campaign manager not configured"})
		return
	}
	record, report, err := h.campaigns.Report(c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	if record.Status != store.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "campaign has no results",
			"status": record.Status,
			"detail": record.Error,
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// CancelCampaign aborts a queued or running campaign wherever it runs.
func (h *Handler) CancelCampaign(c *gin.Context) {
	if h.campaigns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "campaign manager not configured"})
		return
	}
	id := c.Param("id")
	if err := h.campaigns.Cancel(id); err != nil {
		if errors.Is(err, jobs.ErrFinished) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "canceling"})
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
