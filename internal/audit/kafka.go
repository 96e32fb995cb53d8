// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/sigil-dev/bastion/internal/store"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the kafka audit export.
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	PublishTimeout time.Duration
	// Username enables SASL/PLAIN when set.
	Username string
	Password string
}

// KafkaSink publishes each entry as one JSON message keyed by plugin id, so
// a plugin's decisions stay ordered within a partition.
type KafkaSink struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
}

// NewKafkaSink creates a synchronous writer with full acknowledgement.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, bastionerr.New(bastionerr.CodeConfigValidateInvalidValue, "kafka audit sink requires brokers and topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	if cfg.Username != "" {
		w.Transport = &kafka.Transport{
			SASL: plain.Mechanism{Username: cfg.Username, Password: cfg.Password},
		}
	}
	return NewKafkaSinkWithWriter(w, cfg.Topic, cfg.PublishTimeout), nil
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{writer: w, topic: topic, timeout: timeout}
}

func (s *KafkaSink) Append(ctx context.Context, entry *store.AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return bastionerr.Wrap(err, bastionerr.CodeAuditAppendFailure, "encoding audit entry")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(entry.PluginID),
		Value: value,
		Time:  entry.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return bastionerr.Wrapf(err, bastionerr.CodeAuditAppendFailure, "publishing audit entry %s", entry.ID)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
