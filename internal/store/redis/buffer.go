package redis

import (
	"log"
	"sync"
)

// write is one pipelined publish. Any of Stream, Key and Channel may be set.
type write struct {
	Stream string
	Values map[string]interface{}

	Key     string
	Channel string
	Payload string
}

// buffer holds writes while Redis is unreachable. When full, the oldest
// write is dropped.
type buffer struct {
	mu      sync.Mutex
	pending []write
	max     int
	dropped int
}

func newBuffer(size int) *buffer {
	if size <= 0 {
		size = 10000
	}
	return &buffer{pending: make([]write, 0, 256), max: size}
}

func (b *buffer) push(w write) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.max {
		b.pending = b.pending[1:]
		b.dropped++
		if b.dropped%1000 == 1 {
			log.Printf("[redis] buffer full, dropped %d writes so far", b.dropped)
		}
	}
	b.pending = append(b.pending, w)
}

// drain takes ownership of every buffered write.
func (b *buffer) drain() []write {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = make([]write, 0, 256)
	return out
}

// requeue puts unsent writes back in front of anything buffered since drain.
func (b *buffer) requeue(ws []write) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]write, 0, len(ws)+len(b.pending))
	merged = append(merged, ws...)
	merged = append(merged, b.pending...)
	if over := len(merged) - b.max; over > 0 {
		merged = merged[over:]
		b.dropped += over
	}
	b.pending = merged
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
