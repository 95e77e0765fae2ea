// Package queue hands campaign runs from the API server to workers over a
// Redis Stream consumer group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream = "redteam:campaigns"
	defaultGroup  = "campaign-workers"
)

var errNotConfigured = errors.New("campaign queue not configured")

// CampaignMessage wraps the payload pushed through Redis.
type CampaignMessage struct {
	JobID   string           `json:"jobId"`
	Request campaign.Request `json:"request"`
}

// Producer publishes campaigns onto a Redis Stream.
type Producer struct {
	client redis.UniversalClient
	stream string
}

// NewProducer constructs a producer for the provided stream.
func NewProducer(client redis.UniversalClient, stream string) *Producer {
	if stream == "" {
		stream = defaultStream
	}
	return &Producer{client: client, stream: stream}
}

// Enqueue pushes a campaign request to the stream.
func (p *Producer) Enqueue(ctx context.Context, jobID string, req campaign.Request) error {
	if p == nil || p.client == nil {
		return errNotConfigured
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	data, err := json.Marshal(CampaignMessage{JobID: jobID, Request: req})
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}).Err()
}

// Consumer pulls campaigns from a Redis Stream consumer group.
type Consumer struct {
	client   redis.UniversalClient
	stream   string
	group    string
	name     string
	blockDur time.Duration
}

// NewConsumer creates a consumer bound to a stream + group.
func NewConsumer(client redis.UniversalClient, stream, group, name string) *Consumer {
	if stream == "" {
		stream = defaultStream
	}
	if group == "" {
		group = defaultGroup
	}
	if name == "" {
		name = uuid.NewString()
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		name:     name,
		blockDur: 5 * time.Second,
	}
}

// EnsureGroup ensures the consumer group exists.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotConfigured
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Next fetches the next message from the stream, blocking up to the block
// duration. A nil message with a nil error means nothing arrived.
func (c *Consumer) Next(ctx context.Context) (*CampaignMessage, string, error) {
	if c == nil || c.client == nil {
		return nil, "", errNotConfigured
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.blockDur,
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, err := decodeMessage(msg)
			if err != nil {
				return nil, msg.ID, err
			}
			if payload != nil {
				return payload, msg.ID, nil
			}
		}
	}
	return nil, "", nil
}

// Ack confirms processing of a message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

func decodeMessage(msg redis.XMessage) (*CampaignMessage, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, nil
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, nil
	}
	var payload CampaignMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode campaign message %s: %w", msg.ID, err)
	}
	if payload.JobID == "" {
		return nil, fmt.Errorf("campaign message %s has no job id", msg.ID)
	}
	return &payload, nil
}
