package lora

import (
	"container/heap"
	"sync"
	"time"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Priority
// -------------------------------------------------------------------------

// Priority orders queued packets; lower values transmit first.
type Priority uint8

const (
	// PriorityHigh is for time-critical traffic (handshakes, acks).
	PriorityHigh Priority = iota

	// PriorityNormal is the default for application data.
	PriorityNormal

	// PriorityLow is for background traffic (announces).
	PriorityLow
)

// -------------------------------------------------------------------------
// QueuedPacket
// -------------------------------------------------------------------------

// queuedPacket is one deferred transmission.
type queuedPacket struct {
	packet   *mesh.Packet
	priority Priority
	due      time.Time
	retries  int
	seq      uint64 // submission order, breaks (priority, due) ties FIFO
}

// -------------------------------------------------------------------------
// txQueue — priority queue ordered by (priority, due, seq)
// -------------------------------------------------------------------------

// txHeap implements heap.Interface over queued packets.
type txHeap []*queuedPacket

func (h txHeap) Len() int { return len(h) }

func (h txHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h txHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *txHeap) Push(x any) { *h = append(*h, x.(*queuedPacket)) }

func (h *txHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// txQueue is the transport's transmit queue. Packets with identical
// priority keep submission order, which is what makes same-priority
// transmissions come out in the order they went in.
type txQueue struct {
	mu   sync.Mutex
	heap txHeap
	seq  uint64
}

func newTxQueue() *txQueue {
	return &txQueue{}
}

// Push enqueues a packet.
func (q *txQueue) Push(pkt *mesh.Packet, prio Priority, due time.Time, retries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.heap, &queuedPacket{
		packet:   pkt,
		priority: prio,
		due:      due,
		retries:  retries,
		seq:      q.seq,
	})
}

// PopDue removes and returns the head when its due time has arrived.
func (q *txQueue) PopDue(now time.Time) *queuedPacket {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 || q.heap[0].due.After(now) {
		return nil
	}
	return heap.Pop(&q.heap).(*queuedPacket)
}

// Len returns the queue depth.
func (q *txQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear drops every queued packet and returns how many were dropped.
func (q *txQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.heap)
	q.heap = nil
	return n
}
