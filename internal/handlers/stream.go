package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/stream"
)

// StreamEvents relays bus events to the client as server-sent events.
// ?type=campaign. filters by event type prefix.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}
	ctx := c.Request.Context()
	ch, cancel, err := h.events.Subscribe(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	prefix := c.Query("type")
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			if prefix != "" && !strings.HasPrefix(evt.Type, prefix) {
				return true
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Printf("Failed to marshal event %s: %v", evt.ID, err)
				return true
			}
			_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
			return err == nil
		}
	})
}

// MockRunCampaign emulates the probe API's streaming run endpoint. It emits
// a scripted campaign one record at a time. ?scenario=error ends the stream
// with an error record and ?scenario=truncate ends it without completing.
func (h *Handler) MockRunCampaign(c *gin.Context) {
	var req campaign.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	seed := time.Now().UnixNano()
	if raw := c.Query("seed"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			seed = n
		}
	}
	records := campaign.Script(req, seed)
	switch c.Query("scenario") {
	case "error":
		records[len(records)-1] = stream.Record{Type: stream.TypeError, Message: "target model stopped responding"}
	case "truncate":
		records = records[:len(records)-1]
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	for i, rec := range records {
		if err := stream.Write(c.Writer, rec); err != nil {
			return
		}
		c.Writer.Flush()
		if h.opts.MockDelay > 0 && i < len(records)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.opts.MockDelay):
			}
		}
	}
}
