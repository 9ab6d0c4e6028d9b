// Package redis keeps session documents in a redis server so several processes of the same
// application can share them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blossomkit/nostrconnect/kvstore"
	"github.com/redis/go-redis/v9"
)

var _ kvstore.KVStore = (*Store)(nil)

const opTimeout = 3 * time.Second

type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to redisURL (redis://[:password@]host:port/db) and namespaces every key
// under prefix.
func NewStore(redisURL string, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.PoolSize = 4
	opts.MinIdleConns = 1
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) key(k []byte) string {
	return s.prefix + string(k)
}

func (s *Store) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Set(key []byte, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

func (s *Store) Delete(key []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.Del(ctx, s.key(key)).Err()
}

// Update uses optimistic locking: the transaction is retried a few times if another client
// touched the key in between.
func (s *Store) Update(key []byte, f func([]byte) ([]byte, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, k).Bytes()
		if err == redis.Nil {
			val = nil
		} else if err != nil {
			return err
		}

		newVal, err := f(val)
		if err == kvstore.NoOp {
			return nil
		} else if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if newVal == nil {
				pipe.Del(ctx, k)
			} else {
				pipe.Set(ctx, k, newVal, 0)
			}
			return nil
		})
		return err
	}

	for range 5 {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update of %s kept conflicting", k)
}

func (s *Store) Close() error {
	return s.client.Close()
}
