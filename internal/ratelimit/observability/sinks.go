// Package observability provides the sinks security audit events are flushed to.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"aegis/internal/platform/kafka"
	"aegis/pkg/platform/audit"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that writes to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, events []audit.SecurityEvent) error {
	for _, e := range events {
		s.logger.Log(ctx, levelFor(e.Severity), "security event",
			"action", e.Action,
			"subject", e.Subject,
			"reason", e.Reason,
			"ip", e.IP,
			"request_id", e.RequestID,
			"severity", string(e.Severity),
			"timestamp", e.Timestamp,
			"log_type", "security",
		)
	}
	return nil
}

func levelFor(sev audit.Severity) slog.Level {
	switch sev {
	case audit.SeverityCritical:
		return slog.LevelError
	case audit.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Producer is the subset of kafka.Producer used by KafkaSink.
type Producer interface {
	Publish(ctx context.Context, msgs []kafka.Message) error
}

// KafkaSink produces each event as a JSON record keyed by subject, so all
// events about one caller land on the same partition.
type KafkaSink struct {
	producer Producer
}

// NewKafkaSink returns a sink that produces to producer.
func NewKafkaSink(producer Producer) (*KafkaSink, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	return &KafkaSink{producer: producer}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []audit.SecurityEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode security event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.Subject), Value: value})
	}
	return s.producer.Publish(ctx, msgs)
}
