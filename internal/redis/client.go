package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(client *redis.Client) *Client {
	return &Client{client}
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// DetectionChannel is the pubsub channel carrying one learning session's
// detection events.
func DetectionChannel(sessionID string) string {
	return fmt.Sprintf("sessions:%s:events", sessionID)
}

func AccessTokenKey(principal string) string {
	return fmt.Sprintf("tokens:%s:access", principal)
}

func RefreshTokenKey(principal string) string {
	return fmt.Sprintf("tokens:%s:refresh", principal)
}
