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
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestDoShouldRetryAtMostSpecifiedTimes(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}
	err := Do(context.Background(), f,
		WithBackoffBaseDelay(1), WithBackoffMaxDelay(2), WithMaxTries(3))
	require.Regexp(t, "test", errors.Cause(err).Error())
	require.Equal(t, 3, callCount)
}

func TestDoShouldStopOnSuccess(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		if callCount < 2 {
			return errors.New("test")
		}
		return nil
	}
	err := Do(context.Background(), f,
		WithBackoffBaseDelay(1), WithBackoffMaxDelay(2), WithMaxTries(5))
	require.NoError(t, err)
	require.Equal(t, 2, callCount)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("fatal")
	}
	err := Do(context.Background(), f,
		WithBackoffBaseDelay(1), WithBackoffMaxDelay(2), WithMaxTries(5),
		WithIsRetryableErr(func(err error) bool { return false }))
	require.Regexp(t, "fatal", errors.Cause(err).Error())
	require.Equal(t, 1, callCount)
}

func TestDoCancelOnContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, func() error { return errors.New("test") },
		WithBackoffBaseDelay(10), WithBackoffMaxDelay(10), WithInfiniteTries())
	require.Equal(t, context.Canceled, errors.Cause(err))
}
