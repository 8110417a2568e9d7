package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/redis"
)

func newTestQueueBus(t *testing.T) (*QueueBus, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)

	client, err := redis.NewClientFromAddr(server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewQueueBus(logger.New("test"), client, "titan:signals"), server
}

func TestQueueBusFIFO(t *testing.T) {
	qb, _ := newTestQueueBus(t)
	ctx := context.Background()

	ids := []string{uuid.New().String(), uuid.New().String(), uuid.New().String()}
	for _, id := range ids {
		require.NoError(t, qb.Emit(ctx, testSignal(id)))
	}

	for _, want := range ids {
		got, err := qb.Consume(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}

	_, err := qb.Consume(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueueBusMovesToProcessed(t *testing.T) {
	qb, server := newTestQueueBus(t)
	ctx := context.Background()

	require.NoError(t, qb.Emit(ctx, testSignal(uuid.New().String())))

	_, err := qb.Consume(ctx)
	require.NoError(t, err)

	// the take moved the payload, it did not copy it
	outgoing, _ := server.List("titan:signals:outgoing")
	processed, _ := server.List("titan:signals:processed")
	assert.Empty(t, outgoing)
	assert.Len(t, processed, 1)
}

func TestQueueBusUnavailable(t *testing.T) {
	qb, server := newTestQueueBus(t)
	ctx := context.Background()

	server.Close()

	err := qb.Emit(ctx, testSignal(uuid.New().String()))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = qb.Consume(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Error(t, qb.Probe(ctx))
}

func TestQueueBusProbe(t *testing.T) {
	qb, _ := newTestQueueBus(t)
	require.NoError(t, qb.Probe(context.Background()))
}
