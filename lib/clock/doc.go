// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that request
// timeouts and indicator expiry can be tested without sleeping.
//
// Production code holds a Clock field set to Real(). Tests use Fake(),
// whose time moves only when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := chat.NewManager(chat.Config{Clock: fake, ...})
//	// ... trigger an operation that arms a timer ...
//	fake.WaitForTimers(1)
//	fake.Advance(3 * time.Second)
//
// WaitForTimers closes the race between a goroutine arming a timer and
// the test advancing past its deadline.
package clock
