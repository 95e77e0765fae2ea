package main

import (
	"context"
	"log"
	"time"

	"github.com/oremus-labs/ol-redteam/internal/store"
)

type automationOptions struct {
	Store             *store.Store
	Interval          time.Duration
	CampaignRetention time.Duration
	HistoryRetention  time.Duration
}

// startAutomation periodically purges finished campaigns and old history.
func startAutomation(ctx context.Context, opts automationOptions) {
	if opts.Store == nil || opts.Interval <= 0 {
		return
	}
	log.Printf("Starting automation loop: interval=%s campaignRetention=%s historyRetention=%s",
		opts.Interval, opts.CampaignRetention, opts.HistoryRetention)
	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runAutomationSweep(opts, time.Now().UTC())
			}
		}
	}()
}

func runAutomationSweep(opts automationOptions, now time.Time) {
	if opts.CampaignRetention > 0 {
		before := now.Add(-opts.CampaignRetention)
		removed, err := opts.Store.PurgeCampaignsBefore(before, store.StatusCompleted, store.StatusFailed, store.StatusAborted)
		if err != nil {
			log.Printf("automation: failed to purge campaigns: %v", err)
		} else if removed > 0 {
			log.Printf("automation: purged %d finished campaigns", removed)
		}
	}
	if opts.HistoryRetention > 0 {
		before := now.Add(-opts.HistoryRetention)
		removed, err := opts.Store.PurgeHistoryBefore(before)
		if err != nil {
			log.Printf("automation: failed to purge history: %v", err)
		} else if removed > 0 {
			log.Printf("automation: purged %d history entries", removed)
		}
	}
}
