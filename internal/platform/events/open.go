package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Backends accepted by Open.
const (
	BackendLog   = "log"
	BackendAMQP  = "amqp"
	BackendRedis = "redis"
)

// Options selects and configures a publisher backend.
type Options struct {
	Backend      string
	AMQPURL      string
	AMQPExchange string
	RedisURL     string
	RedisChannel string
}

// Open returns the publisher for opts.Backend. An empty backend means log.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Publisher, error) {
	switch opts.Backend {
	case "", BackendLog:
		return NewLogPublisher(logger), nil
	case BackendAMQP:
		return NewAMQPPublisher(opts.AMQPURL, opts.AMQPExchange)
	case BackendRedis:
		return NewRedisPublisher(ctx, opts.RedisURL, opts.RedisChannel)
	default:
		return nil, fmt.Errorf("unknown event backend %q", opts.Backend)
	}
}
