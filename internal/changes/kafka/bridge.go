// Package kafka mirrors change events onto a Kafka topic so downstream
// consumers (risk recalculators, audit sinks) see the same invalidation
// stream the in-process listeners do. Delivery is fire-and-forget: the bus
// contract has no replay, so the bridge does not retry beyond what the
// producer itself does.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"livecache/internal/changes"
)

// record is the wire form of one change event.
type record struct {
	Type        changes.Type `json:"type"`
	ObjectID    string       `json:"object_id"`
	Category    string       `json:"category,omitempty"`
	VersionFrom *time.Time   `json:"version_from,omitempty"`
	VersionTo   *time.Time   `json:"version_to,omitempty"`
	At          time.Time    `json:"at"`
}

// Bridge forwards bus events to a Kafka topic. It implements
// changes.Listener.
type Bridge struct {
	bus    *changes.Bus
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// Config carries the broker and topic settings.
type Config struct {
	Brokers []string
	Topic   string
	// Partitions and ReplicationFactor apply only when the topic has to be
	// created. Zero values fall back to 1.
	Partitions        int32
	ReplicationFactor int16
}

// NewBridge connects to the brokers, ensures the topic exists and attaches
// the bridge to the bus.
func NewBridge(ctx context.Context, bus *changes.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: connect: %w", err)
	}

	if err := ensureTopic(ctx, client, cfg); err != nil {
		client.Close()
		return nil, err
	}

	b := &Bridge{
		bus:    bus,
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}
	bus.Subscribe(b)
	return b, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, cfg Config) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", cfg.Topic, err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", res.Topic, res.Err)
		}
	}
	return nil
}

// EntityChanged implements changes.Listener. Marshals the event and produces
// it asynchronously, keyed by ObjectID so one entity's events stay ordered
// within a partition.
func (b *Bridge) EntityChanged(event changes.Event) {
	payload, err := json.Marshal(record{
		Type:        event.Type,
		ObjectID:    event.ObjectID.String(),
		Category:    event.Category,
		VersionFrom: event.VersionFrom,
		VersionTo:   event.VersionTo,
		At:          event.At,
	})
	if err != nil {
		if b.logger != nil {
			b.logger.Error("kafka bridge: marshal event", "error", err)
		}
		return
	}

	b.client.Produce(context.Background(), &kgo.Record{
		Key:   []byte(event.ObjectID.String()),
		Value: payload,
	}, func(_ *kgo.Record, err error) {
		if err != nil && b.logger != nil {
			b.logger.Error("kafka bridge: produce failed",
				"topic", b.topic,
				"object_id", event.ObjectID.String(),
				"error", err,
			)
		}
	})
}

// Close detaches from the bus, flushes in-flight records and closes the
// producer.
func (b *Bridge) Close(ctx context.Context) error {
	b.bus.Unsubscribe(b)
	err := b.client.Flush(ctx)
	b.client.Close()
	return err
}
