// Package security ships security audit events off the request path.
//
// Emit only appends to a bounded ring buffer; Run drains the buffer in
// batches and hands each batch to every configured Sink. A slow or failing
// sink therefore costs dropped events, never request latency.
package security

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aegis/pkg/platform/audit"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	drainTimeout         = 5 * time.Second
)

// Sink receives batches of security events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []audit.SecurityEvent) error
}

// Publisher buffers events and flushes them to sinks.
type Publisher struct {
	buffer        *RingBuffer
	sinks         []Sink
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time
	onDrop        func()
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithCapacity(capacity int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(capacity)
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithDropHook is called whenever the buffer overflows.
func WithDropHook(fn func()) Option {
	return func(p *Publisher) {
		p.onDrop = fn
	}
}

// New creates a publisher that writes to sinks.
func New(sinks []Sink, opts ...Option) (*Publisher, error) {
	if len(sinks) == 0 {
		return nil, errors.New("at least one audit sink is required")
	}
	p := &Publisher{
		buffer:        NewRingBuffer(defaultCapacity),
		sinks:         sinks,
		logger:        slog.Default(),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Emit queues an event. It never blocks on a sink.
func (p *Publisher) Emit(_ context.Context, event audit.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if p.buffer.Enqueue(event) && p.onDrop != nil {
		p.onDrop()
	}
}

// Pending returns the number of buffered events.
func (p *Publisher) Pending() int {
	return p.buffer.Len()
}

// Dropped returns the number of events lost to overflow.
func (p *Publisher) Dropped() int64 {
	return p.buffer.Dropped()
}

// Run flushes on every tick until ctx is cancelled, then drains what is left.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			p.Flush(drainCtx)
			cancel()
			return nil
		}
	}
}

// Flush writes every buffered event to the sinks.
func (p *Publisher) Flush(ctx context.Context) {
	for {
		batch := p.buffer.DequeueBatch(p.batchSize)
		if len(batch) == 0 {
			return
		}
		for _, sink := range p.sinks {
			if err := sink.Write(ctx, batch); err != nil {
				p.logger.WarnContext(ctx, "audit sink write failed",
					"sink", sink.Name(),
					"events", len(batch),
					"error", err,
				)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
