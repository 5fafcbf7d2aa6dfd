package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions are the connection settings of the session registry.
type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// ConnectTimeout bounds the initial ping and migrations together.
	ConnectTimeout time.Duration
}

var newClient = redis.NewClient

// Dial connects to the registry, pings it and brings the key schema up to
// date. On any failure the client is closed before returning.
func Dial(ctx context.Context, opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	client := newClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 1,
		DialTimeout:  opts.ConnectTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Address, err)
	}
	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("migrate registry schema: %w", err)
	}

	logger.Infow("session registry connected", "address", opts.Address, "db", opts.DB)
	return client, nil
}
