package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultChannel is the redis pub/sub channel shared by all instances.
const DefaultChannel = "taskboard:events"

const reconnectDelay = time.Second

type relayMessage struct {
	Exclude *int64          `json:"exclude"`
	Payload json.RawMessage `json:"payload"`
}

// Relay fans envelopes out across instances through redis pub/sub. Broadcast
// publishes; Run subscribes and forwards every message to the local sink.
type Relay struct {
	rc      *redis.Client
	channel string
	local   Sink
	log     *log.Logger
}

// NewRelay creates a relay over channel delivering into local.
func NewRelay(rc *redis.Client, channel string, local Sink, logger *log.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{rc: rc, channel: channel, local: local, log: logger}
}

// Broadcast publishes msg to every instance and returns the number of
// subscribed instances. If redis is unreachable the message is delivered to
// the local sink only.
func (r *Relay) Broadcast(msg []byte, exclude *int64) int {
	data, err := sonic.Marshal(relayMessage{Exclude: exclude, Payload: msg})
	if err != nil {
		r.log.WithFields(log.Fields{"error": err.Error()}).Error("relay encode failed")
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	receivers, err := r.rc.Publish(ctx, r.channel, data).Result()
	if err != nil {
		r.log.WithFields(log.Fields{"channel": r.channel, "error": err.Error()}).Warn("relay publish failed, delivering locally")
		return r.local.Broadcast(msg, exclude)
	}
	return int(receivers)
}

// Run subscribes to the relay channel until ctx is done, reconnecting when
// the subscription drops.
func (r *Relay) Run(ctx context.Context) {
	for {
		r.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		r.log.WithFields(log.Fields{"channel": r.channel}).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume runs one subscription until it drops or ctx ends.
func (r *Relay) consume(ctx context.Context) {
	sub := r.rc.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			r.log.WithFields(log.Fields{"channel": r.channel, "error": err.Error()}).Error("relay subscribe failed")
		}
		return
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rm relayMessage
			if err := sonic.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				r.log.WithFields(log.Fields{"error": err.Error()}).Error("unable to parse relay message")
				continue
			}
			r.local.Broadcast(rm.Payload, rm.Exclude)
		}
	}
}
