package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/platform/kafka"
	"aegis/pkg/platform/audit"
)

type fakeProducer struct {
	msgs []kafka.Message
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, msgs []kafka.Message) error {
	p.msgs = append(p.msgs, msgs...)
	return p.err
}

func TestLogSink_LevelFollowsSeverity(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	err := sink.Write(context.Background(), []audit.SecurityEvent{
		{Action: "abuse_detected", Subject: "ip:203.0.113.0", Severity: audit.SeverityCritical},
		{Action: "allowlist_bypass", Subject: "user:u1", Severity: audit.SeverityInfo},
	})
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "ERROR", first["level"])
	assert.Equal(t, "abuse_detected", first["action"])
	assert.Equal(t, "INFO", second["level"])
}

func TestKafkaSink_KeysBySubject(t *testing.T) {
	producer := &fakeProducer{}
	sink, err := NewKafkaSink(producer)
	require.NoError(t, err)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err = sink.Write(context.Background(), []audit.SecurityEvent{
		{Action: "rate_limit_exceeded", Subject: "ip:198.51.100.0:general", Severity: audit.SeverityWarning, Timestamp: ts},
	})
	require.NoError(t, err)
	require.Len(t, producer.msgs, 1)
	assert.Equal(t, "ip:198.51.100.0:general", string(producer.msgs[0].Key))

	var decoded audit.SecurityEvent
	require.NoError(t, json.Unmarshal(producer.msgs[0].Value, &decoded))
	assert.Equal(t, "rate_limit_exceeded", decoded.Action)
	assert.True(t, ts.Equal(decoded.Timestamp))
}

func TestKafkaSink_PropagatesProducerError(t *testing.T) {
	errBroker := errors.New("broker down")
	sink, err := NewKafkaSink(&fakeProducer{err: errBroker})
	require.NoError(t, err)

	err = sink.Write(context.Background(), []audit.SecurityEvent{{Action: "x"}})
	assert.ErrorIs(t, err, errBroker)
}

func TestNewKafkaSink_RequiresProducer(t *testing.T) {
	_, err := NewKafkaSink(nil)
	assert.Error(t, err)
}
