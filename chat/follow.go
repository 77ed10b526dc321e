// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"

	"github.com/sentinelstore/console/auth"
)

// Follow keeps the connection in step with the session until ctx is
// done or sessions is closed. Each authenticated snapshot connects if
// the connection is down. A snapshot that is not authenticated, or
// whose generation differs from the one the chat state belongs to,
// disconnects and resets first. Connect failures are logged; the next
// snapshot retries.
//
// sessions is typically the channel from auth.Manager.Subscribe.
func (m *Manager) Follow(ctx context.Context, sessions <-chan auth.Snapshot) error {
	var (
		generation uint64
		owned      bool
	)
	for {
		var (
			session auth.Snapshot
			ok      bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case session, ok = <-sessions:
			if !ok {
				return nil
			}
		}

		if !session.Authenticated() {
			if owned {
				m.logger.Info("session ended, closing chat", "state", session.State.String())
				m.Disconnect()
				m.Reset()
				owned = false
			}
			continue
		}

		if owned && session.Generation != generation {
			m.logger.Info("session identity changed, reconnecting chat")
			m.Disconnect()
			m.Reset()
		}
		generation = session.Generation
		owned = true

		if m.ConnectionState() != Disconnected {
			continue
		}
		if err := m.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("chat connect failed", "error", err)
		}
	}
}
