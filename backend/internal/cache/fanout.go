package cache

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"snippetCollab/backend/internal/protocol"
)

const DefaultFanoutChannel = "collab:fanout"

// envelope is what travels between instances.
type envelope struct {
	Origin     string          `json:"origin"`
	DocumentID string          `json:"documentId"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// RedisFanout forwards room broadcasts to the other server instances through
// redis pub/sub. Messages published by this instance are skipped on receive.
type RedisFanout struct {
	rdb      redis.UniversalClient
	channel  string
	instance string
}

func NewRedisFanout(rdb redis.UniversalClient, channel string) *RedisFanout {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	return &RedisFanout{rdb: rdb, channel: channel, instance: uuid.NewString()}
}

func (f *RedisFanout) InstanceID() string { return f.instance }

func (f *RedisFanout) Publish(ctx context.Context, documentID string, msg protocol.OutboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b, err := json.Marshal(envelope{
		Origin:     f.instance,
		DocumentID: documentID,
		Type:       msg.MessageType(),
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, b).Err()
}

// Run subscribes and calls deliver for every foreign message until ctx ends.
// ready, if not nil, is closed once the subscription is confirmed.
func (f *RedisFanout) Run(ctx context.Context, ready chan<- struct{}, deliver func(documentID string, msg protocol.OutboundMessage)) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Printf("fanout: bad envelope: %v", err)
				continue
			}
			if env.Origin == f.instance || env.DocumentID == "" {
				continue
			}
			deliver(env.DocumentID, protocol.RawMessage{Type: env.Type, Body: env.Payload})
		}
	}
}
