// Package decoder provides the packet sinks the demux coordinator feeds: a
// FIFO queue owned by each sink and the audio and video consumers that drain
// it, inspect the compressed payloads and report when capacity frees up.
package decoder

import (
	"context"
	"sync"

	"github.com/zsiec/tsdemux/internal/media"
)

// Queue is an unbounded FIFO of packets. The producer is expected to stop
// pushing at its own high-water mark.
type Queue struct {
	mu    sync.Mutex
	items []*media.Packet
	wake  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends pkt and wakes a blocked Pop.
func (q *Queue) Push(pkt *media.Packet) {
	q.mu.Lock()
	q.items = append(q.items, pkt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes the oldest packet, blocking until one is available or ctx is
// done.
func (q *Queue) Pop(ctx context.Context) (*media.Packet, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			pkt := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return pkt, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Flush drops every queued packet and returns how many were dropped.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
