// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry implements the bounded-attempt executor used by the
// command dispatcher.
//
// The executor absorbs transient transport failures and, through per-attempt
// jitter, de-correlates retry storms across devices: two devices that fail
// at the same instant do not retry in lockstep.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// BaseDelays are the waits after each failed attempt. Attempt n is
// followed by BaseDelays[n-1] plus jitter when it fails.
var BaseDelays = []time.Duration{
	100 * time.Millisecond,
	300 * time.Millisecond,
	700 * time.Millisecond,
}

// JitterRange is the upper bound of the uniform jitter added to each delay.
const JitterRange = 50 * time.Millisecond

// Executor retries an operation with exponential delays plus jitter.
//
// Thread Safety: Safe for concurrent use.
type Executor struct {
	// sleep is swappable for tests; defaults to a context-aware sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with the default delay schedule.
func NewExecutor() *Executor {
	return &Executor{sleep: sleepCtx}
}

// Execute invokes op up to len(BaseDelays) times.
//
// It returns true on the first attempt that reports true, false after all
// attempts fail. If ctx is cancelled during an inter-attempt delay the
// cancellation propagates immediately as the returned error.
//
// Outputs:
//
//	bool - True when some attempt succeeded.
//	error - The context error when cancelled mid-delay, nil otherwise.
func (e *Executor) Execute(ctx context.Context, op func() bool) (bool, error) {
	for attempt := 0; attempt < len(BaseDelays); attempt++ {
		if op() {
			return true, nil
		}
		delay := BaseDelays[attempt] + time.Duration(rand.Int63n(int64(JitterRange)))
		if err := e.sleep(ctx, delay); err != nil {
			return false, err
		}
	}
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
