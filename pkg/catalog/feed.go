package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one refresh event from the catalog bus.
type Message struct {
	Value []byte
}

// Consumer abstracts the refresh bus so the feed loop can be driven by a
// fake in tests.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// RefreshEvent is published by the ingestion process whenever a source's
// schema snapshot version advances.
type RefreshEvent struct {
	SourceID string `json:"source_id"`
	Version  string `json:"version"`
}

type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Feed consumes refresh events and records the newest snapshot version per
// source on the store. Snapshots already pinned by in-flight requests are
// unaffected; only new requests observe the bumped version.
type Feed struct {
	Bus   Consumer
	Store *PinnedStore
}

func (f *Feed) Run(ctx context.Context) {
	for {
		msg, err := f.Bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("catalog bus read error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		var evt RefreshEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("catalog bus decode error: %v", err)
			continue
		}
		if evt.SourceID == "" || evt.Version == "" {
			log.Printf("catalog bus event missing source_id or version")
			continue
		}
		f.Store.NoteVersion(evt.SourceID, evt.Version)
	}
}
