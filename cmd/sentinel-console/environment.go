// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelstore/console/auth"
	"github.com/sentinelstore/console/lib/config"
	"github.com/sentinelstore/console/lib/secret"
	"github.com/sentinelstore/console/tokenstore"
)

// environment is the wired session stack shared by the subcommands.
type environment struct {
	config  *config.Config
	logger  *slog.Logger
	store   tokenstore.Store
	session *auth.Manager
	closers []func()
}

func loadConfig(options commonOptions) (*config.Config, error) {
	if options.configPath != "" {
		return config.LoadFile(options.configPath)
	}
	return config.Load()
}

func setup(options commonOptions) (*environment, error) {
	cfg, err := loadConfig(options)
	if err != nil {
		return nil, err
	}
	levelName := cfg.Logging.Level
	if options.logLevel != "" {
		levelName = options.logLevel
	}
	level, err := parseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger := newLogger(level)

	env := &environment{config: cfg, logger: logger}
	store, err := env.openStore()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.store = store

	client, err := auth.NewClient(auth.ClientConfig{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout()},
		Logger:     logger,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.session, err = auth.NewManager(auth.ManagerConfig{
		Client: client,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// openStore builds the configured token store.
func (e *environment) openStore() (tokenstore.Store, error) {
	storage := e.config.Storage
	switch storage.Backend {
	case config.StorageFile:
		var identity *secret.Buffer
		if storage.SealIdentityFile != "" {
			buffer, err := secret.ReadFile(storage.SealIdentityFile)
			if err != nil {
				return nil, fmt.Errorf("reading seal identity: %w", err)
			}
			identity = buffer
			e.closers = append(e.closers, func() { identity.Close() })
		}
		store, err := tokenstore.NewFile(storage.Path, identity)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("using file token store", "path", store.Path(), "sealed", store.Sealed())
		return store, nil

	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     storage.RedisAddr,
			Password: storage.RedisPassword,
		})
		e.closers = append(e.closers, func() { client.Close() })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", storage.RedisAddr, err)
		}
		e.logger.Debug("using redis token store", "addr", storage.RedisAddr, "prefix", storage.RedisPrefix)
		return tokenstore.NewRedis(client, storage.RedisPrefix), nil

	case config.StorageMemory:
		e.logger.Warn("using in-memory token store; the session ends with this process")
		return &tokenstore.Memory{}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", storage.Backend)
	}
}

// Close releases everything setup opened, in reverse order.
func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// restore loads the persisted session and requires it to be signed in.
func (e *environment) restore(ctx context.Context) (*auth.User, error) {
	snapshot := e.session.Restore(ctx)
	if !snapshot.Authenticated() {
		return nil, fmt.Errorf("not signed in (run '%s login')", binaryName)
	}
	return snapshot.User, nil
}
