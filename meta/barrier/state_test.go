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

package barrier

import (
	"context"
	"testing"

	"github.com/pingcap/tistream/meta/metastore"
	"github.com/pingcap/tistream/model"
	"github.com/stretchr/testify/require"
)

func TestBarrierManagerStateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := metastore.NewMemStore()

	// A fresh cluster starts from the invalid epoch.
	state, err := loadBarrierManagerState(ctx, store)
	require.NoError(t, err)
	require.Equal(t, model.InvalidEpoch, state.inFlightPrevEpoch)

	epoch := model.Epoch(12345)
	require.NoError(t, state.update(ctx, store, epoch))
	require.Equal(t, epoch, state.inFlightPrevEpoch)

	// A restarted manager sees the persisted pointer.
	reloaded, err := loadBarrierManagerState(ctx, store)
	require.NoError(t, err)
	require.Equal(t, epoch, reloaded.inFlightPrevEpoch)
}
