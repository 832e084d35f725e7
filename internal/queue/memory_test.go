package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelBroker_PublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBroker(4)
	defer b.Close()

	require.NoError(t, b.Publish(ctx, "job-1"))
	require.NoError(t, b.Publish(ctx, "job-2"))
	assert.Equal(t, 2, b.Len())

	d, err := b.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, 1, b.InFlight())

	require.NoError(t, b.Ack(ctx, d))
	assert.Equal(t, 0, b.InFlight())
}

func TestChannelBroker_NackRedelivers(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBroker(1)
	defer b.Close()

	require.NoError(t, b.Publish(ctx, "job-1"))
	d, err := b.Consume(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Nack(ctx, d, "shutting down"))
	again, err := b.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", again.JobID)
	assert.Equal(t, 2, again.Attempt)
	assert.NotEqual(t, d.ID, again.ID)
}

func TestChannelBroker_Backpressure(t *testing.T) {
	b := NewChannelBroker(1)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), "job-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, "job-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "publish blocks while the queue is full")
}

func TestChannelBroker_ConsumeHonorsContext(t *testing.T) {
	b := NewChannelBroker(1)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Consume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelBroker_Close(t *testing.T) {
	b := NewChannelBroker(1)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Consume(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "job"), ErrClosed)
}
