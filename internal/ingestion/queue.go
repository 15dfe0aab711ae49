package ingestion

import (
	"errors"
	"sync"
	"time"

	"cyclewatch/pkg/chain"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrQueueFull is returned by Publish when the consumer is behind.
	ErrQueueFull = errors.New("candidate queue full")

	// ErrConsumerGone is returned by Publish once the consumer has stopped.
	ErrConsumerGone = errors.New("candidate consumer gone")
)

// Candidate is a pending transaction whose simulated execution touches at
// least one tracked pool.
type Candidate struct {
	Tx         *types.Transaction
	Logs       []chain.CallLog
	ReceivedAt time.Time
}

// Queue is a bounded hand-off from the mempool reader to the single
// detector. Publishing never blocks.
type Queue struct {
	ch        chan *Candidate
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most size candidates.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:   make(chan *Candidate, size),
		done: make(chan struct{}),
	}
}

// Publish hands c to the consumer. It returns ErrQueueFull when the buffer
// is full and ErrConsumerGone after Close.
func (q *Queue) Publish(c *Candidate) error {
	select {
	case <-q.done:
		return ErrConsumerGone
	default:
	}

	select {
	case q.ch <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Candidates returns the receive side for the consumer.
func (q *Queue) Candidates() <-chan *Candidate {
	return q.ch
}

// Close marks the consumer as gone. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Len returns the number of buffered candidates.
func (q *Queue) Len() int {
	return len(q.ch)
}
