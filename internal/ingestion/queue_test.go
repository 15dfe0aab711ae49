package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePublish(t *testing.T) {
	q := NewQueue(2)

	first := &Candidate{ReceivedAt: time.Now()}
	require.NoError(t, q.Publish(first))
	require.NoError(t, q.Publish(&Candidate{}))
	require.Equal(t, 2, q.Len())

	// Full queue drops without blocking.
	require.ErrorIs(t, q.Publish(&Candidate{}), ErrQueueFull)

	got := <-q.Candidates()
	require.Same(t, first, got)
	require.NoError(t, q.Publish(&Candidate{}))
}

func TestQueueConsumerGone(t *testing.T) {
	q := NewQueue(4)
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Publish(&Candidate{}), ErrConsumerGone)
}

func TestNewQueueMinimumSize(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Publish(&Candidate{}))
	require.ErrorIs(t, q.Publish(&Candidate{}), ErrQueueFull)
}
