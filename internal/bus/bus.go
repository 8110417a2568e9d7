// Package bus carries trade signals from the scanner to the execution engine
// with at-most-once delivery and FIFO order per producer. Two realizations
// exist behind the same interface: a filesystem spool using atomic renames
// and a redis work queue.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/vegas-max/titan/pkg/config"
	"github.com/vegas-max/titan/pkg/logger"
	"github.com/vegas-max/titan/pkg/models"
	"github.com/vegas-max/titan/pkg/redis"
)

var (
	// ErrEmpty signals that no message is currently available.
	ErrEmpty = errors.New("bus empty")
	// ErrUnavailable signals that the bus medium itself is unreachable.
	// Producers apply backpressure; consumers keep draining local signals.
	ErrUnavailable = errors.New("bus unavailable")
)

// Bus is the cross-process signal channel.
type Bus interface {
	// Emit durably places a signal where exactly one consumer can take it.
	// It returns only after the signal is retrievable.
	Emit(ctx context.Context, signal *models.Signal) error

	// Consume takes the next signal and atomically marks it as taken; a
	// taken signal is never redelivered, across crashes included. Returns
	// ErrEmpty when nothing is pending.
	Consume(ctx context.Context) (*models.Signal, error)

	// Probe checks that the bus medium is reachable.
	Probe(ctx context.Context) error

	// Close releases the bus.
	Close() error
}

// New builds the configured bus realization.
func New(log *logger.Logger, cfg config.BusConfig, redisCfg config.RedisConfig) (Bus, error) {
	switch cfg.Kind {
	case config.BusFilesystem:
		return NewFilesystemBus(log, cfg.Dir)
	case config.BusQueue:
		client, err := redis.NewClient(&redis.Config{
			Host:         redisCfg.Host,
			Port:         redisCfg.Port,
			Password:     redisCfg.Password,
			DB:           redisCfg.DB,
			PoolSize:     redisCfg.PoolSize,
			DialTimeout:  redisCfg.DialTimeout,
			ReadTimeout:  redisCfg.ReadTimeout,
			WriteTimeout: redisCfg.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect queue bus: %w", err)
		}
		return NewQueueBus(log, client, cfg.Stream), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}
