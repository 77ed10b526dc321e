// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the token keys when no prefix is
// configured.
const DefaultRedisPrefix = "sentinel:console:"

// Redis stores the pair as two string keys written in one MULTI/EXEC
// transaction.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) accessKey() string  { return r.prefix + KeyAccessToken }
func (r *Redis) refreshKey() string { return r.prefix + KeyRefreshToken }

func (r *Redis) Load(ctx context.Context) (Tokens, error) {
	values, err := r.client.MGet(ctx, r.accessKey(), r.refreshKey()).Result()
	if err != nil {
		return Tokens{}, fmt.Errorf("tokenstore: redis MGET: %w", err)
	}
	access, _ := values[0].(string)
	refresh, _ := values[1].(string)
	return normalize(Tokens{AccessToken: access, RefreshToken: refresh}), nil
}

func (r *Redis) Save(ctx context.Context, tokens Tokens) error {
	tokens = normalize(tokens)
	if tokens.Empty() {
		return r.Clear(ctx)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.accessKey(), tokens.AccessToken, 0)
		pipe.Set(ctx, r.refreshKey(), tokens.RefreshToken, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("tokenstore: redis save: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.accessKey(), r.refreshKey())
		return nil
	})
	if err != nil {
		return fmt.Errorf("tokenstore: redis clear: %w", err)
	}
	return nil
}
