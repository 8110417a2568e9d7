package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
	"github.com/vegas-max/titan/pkg/redis"
)

// QueueBus carries signals over a redis list pair. Emit pushes onto the
// outgoing list; Consume moves the oldest element onto the processed list in
// one server-side operation, which is the acknowledgement.
type QueueBus struct {
	logger *logger.Logger
	client redis.Client

	outgoingKey  string
	processedKey string
}

// NewQueueBus creates a queue bus over an existing redis client.
func NewQueueBus(log *logger.Logger, client redis.Client, stream string) *QueueBus {
	return &QueueBus{
		logger:       log.Named("queue-bus"),
		client:       client,
		outgoingKey:  stream + ":outgoing",
		processedKey: stream + ":processed",
	}
}

// Emit pushes the serialized signal onto the outgoing list.
func (b *QueueBus) Emit(ctx context.Context, signal *models.Signal) error {
	data, err := signal.Marshal()
	if err != nil {
		return err
	}

	if err := b.client.LPush(ctx, b.outgoingKey, string(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.logger.Debug("Signal emitted", zap.String("signal_id", signal.ID))
	return nil
}

// Consume atomically moves the oldest signal onto the processed list and
// returns it. The move is the take: a consumer crash after the move never
// redelivers.
func (b *QueueBus) Consume(ctx context.Context) (*models.Signal, error) {
	payload, err := b.client.RPopLPush(ctx, b.outgoingKey, b.processedKey)
	if err != nil {
		if redis.IsNil(err) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	signal, err := models.UnmarshalSignal([]byte(payload))
	if err != nil {
		// stays on the processed list, never retried
		b.logger.Warn("Dropping undecodable signal payload", zap.Error(err))
		return b.Consume(ctx)
	}
	return signal, nil
}

// Probe pings the redis server.
func (b *QueueBus) Probe(ctx context.Context) error {
	if err := b.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the redis client.
func (b *QueueBus) Close() error {
	return b.client.Close()
}
