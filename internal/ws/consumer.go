package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/pen/orchestrator/pkg/logger"
)

// Consumer listens for saga updates and broadcasts them to the hub.
type Consumer struct {
	client  *redis.Client
	hub     *Hub
	channel string
	log     *logger.Logger
}

func NewConsumer(client *redis.Client, hub *Hub, channel string, log *logger.Logger) *Consumer {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{client: client, hub: hub, channel: channel, log: log.WithField("component", "ws.consumer")}
}

// Run starts the pub/sub loop.
func (c *Consumer) Run(ctx context.Context) error {
	pubsub := c.client.Subscribe(ctx, c.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handleMessage(msg.Payload)
		}
	}
}

func (c *Consumer) handleMessage(payload string) {
	var update SagaUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		c.log.WithError(err).Warn("saga update decode error")
		return
	}
	c.hub.Broadcast(update.SagaName, []byte(payload))
}
