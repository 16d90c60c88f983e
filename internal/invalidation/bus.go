// Package invalidation fans permission cache invalidations out to every instance
// through Redis pub/sub.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/ids"
	"gatekeep.dev/internal/obs"
)

const (
	DefaultChannel = "gatekeep:invalidate"
	publishTimeout = 2 * time.Second
)

// Client is the subset of the go-redis client the bus needs.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Message is the wire form of one invalidation.
type Message struct {
	Origin      string `json:"origin"`
	PrincipalID string `json:"principal_id,omitempty"`
	All         bool   `json:"all,omitempty"`
}

// Bus is an auth.Invalidator that invalidates locally first and then tells the other
// instances. Messages it published itself are ignored when they come back.
type Bus struct {
	local   auth.Invalidator
	client  Client
	channel string
	origin  string
}

var _ auth.Invalidator = (*Bus)(nil)

// New wraps local. local may be nil for a publish-only bus.
func New(local auth.Invalidator, client Client, channel string) (*Bus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{local: local, client: client, channel: channel, origin: ids.Opaque()}, nil
}

func (b *Bus) Invalidate(principalID string) {
	if b.local != nil {
		b.local.Invalidate(principalID)
	}
	b.publish(Message{Origin: b.origin, PrincipalID: principalID})
}

func (b *Bus) InvalidateAll() {
	if b.local != nil {
		b.local.InvalidateAll()
	}
	b.publish(Message{Origin: b.origin, All: true})
}

// Broadcast publishes msg and reports delivery errors to the caller.
func (b *Bus) Broadcast(ctx context.Context, msg Message) error {
	msg.Origin = b.origin
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// A lost message leaves remote entries stale until their TTL runs out.
func (b *Bus) publish(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.Broadcast(ctx, msg); err != nil {
		obs.Logger().Warn("cache invalidation not broadcast",
			"principal_id", msg.PrincipalID, "all", msg.All, "error", err.Error())
	}
}

// Run applies remote invalidations until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	obs.Logger().Info("invalidation bus subscribed", "channel", b.channel, "origin", b.origin)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.Apply([]byte(msg.Payload))
		}
	}
}

// Apply handles one received payload.
func (b *Bus) Apply(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		obs.Logger().Warn("malformed invalidation message", "error", err.Error())
		return
	}
	if msg.Origin == b.origin || b.local == nil {
		return
	}
	switch {
	case msg.All:
		b.local.InvalidateAll()
	case msg.PrincipalID != "":
		b.local.Invalidate(msg.PrincipalID)
	}
}
