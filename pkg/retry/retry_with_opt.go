// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pingcap/errors"
)

// Operation is the action to retry.
type Operation func() error

// Do runs the operation, retrying with exponential backoff and full jitter
// until it succeeds, the retry budget is exhausted, the error is reported
// non-retryable, or the context is canceled.
func Do(ctx context.Context, operation Operation, opts ...Option) error {
	retryOption := setOptions(opts...)
	return run(ctx, operation, retryOption)
}

func setOptions(opts ...Option) *retryOptions {
	retryOption := newRetryOptions()
	for _, opt := range opts {
		opt(retryOption)
	}
	return retryOption
}

func run(ctx context.Context, op Operation, retryOption *retryOptions) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	var t *time.Timer
	var try float64
	backOff := time.Duration(0)
	for {
		err := op()
		if err == nil {
			return nil
		}

		if !retryOption.isRetryable(err) {
			return err
		}

		try++
		if try >= retryOption.maxTries {
			return errors.Annotatef(err, "retry exhausted, tried %v times", try)
		}

		backOff = getBackoffInMs(retryOption.backoffBase, retryOption.backoffCap, try)
		if t == nil {
			t = time.NewTimer(backOff)
			defer t.Stop()
		} else {
			t.Reset(backOff)
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-t.C:
		}
	}
}

// getBackoffInMs returns the duration to wait before the next try, following
// the "full jitter" strategy.
func getBackoffInMs(backoffBaseInMs, backoffCapInMs, try float64) time.Duration {
	temp := int64(math.Min(backoffCapInMs, backoffBaseInMs*math.Exp2(try)))
	if temp <= 0 {
		temp = 1
	}
	sleepInMs := rand.Int63n(temp) + 1
	return time.Duration(sleepInMs) * time.Millisecond
}
