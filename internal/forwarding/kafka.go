package forwarding

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"

	"beaconwatch/internal/config"
	"beaconwatch/internal/monitor"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes statistics records to a Kafka topic keyed by source address.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink builds a synchronous writer; ordering per source is kept by the hash balancer.
func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		Compression:  compression(cfg.Compression),
		RequiredAcks: kafka.RequireOne,
	}}
}

func compression(name string) kafka.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none", "":
		return 0
	default:
		return kafka.Snappy
	}
}

// Name implements Sink.
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, stats monitor.Statistics) error {
	body, err := json.Marshal(NewRecord(stats))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(stats.SourceAddress), 16)),
		Value: body,
		Time:  stats.ReceivedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes pending batches.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
