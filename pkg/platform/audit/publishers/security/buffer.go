package security

import (
	"sync"

	"aegis/pkg/platform/audit"
)

const defaultCapacity = 10000

// RingBuffer is a bounded, thread-safe FIFO of security events.
// When full, the oldest event is dropped to make room for the new one.
type RingBuffer struct {
	mu      sync.Mutex
	events  []audit.SecurityEvent
	head    int // next write position
	tail    int // next read position
	count   int
	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RingBuffer{events: make([]audit.SecurityEvent, capacity)}
}

// Enqueue adds an event, dropping the oldest if necessary. It reports
// whether an event was dropped.
func (b *RingBuffer) Enqueue(event audit.SecurityEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.events)
	dropped := false
	if b.count == capacity {
		b.tail = (b.tail + 1) % capacity
		b.count--
		b.dropped++
		dropped = true
	}

	b.events[b.head] = event
	b.head = (b.head + 1) % capacity
	b.count++
	return dropped
}

// DequeueBatch removes up to n events in arrival order.
func (b *RingBuffer) DequeueBatch(n int) []audit.SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 || n <= 0 {
		return nil
	}
	n = min(n, b.count)

	capacity := len(b.events)
	result := make([]audit.SecurityEvent, n)
	for i := range n {
		result[i] = b.events[b.tail]
		b.events[b.tail] = audit.SecurityEvent{}
		b.tail = (b.tail + 1) % capacity
	}
	b.count -= n
	return result
}

// Len returns the current number of buffered events.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of events lost to overflow.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
