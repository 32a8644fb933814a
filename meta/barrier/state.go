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
	"strconv"

	"github.com/pingcap/tistream/meta/metastore"
	"github.com/pingcap/tistream/model"
	cerror "github.com/pingcap/tistream/pkg/errors"
)

const inFlightPrevEpochKey = "/tistream/meta/barrier/in-flight-prev-epoch"

// barrierManagerState is the durable slice of the coordinator: the prev
// epoch of the latest injected barrier. It is advanced before injection so
// that a restarted coordinator never reuses an epoch that may already be
// in flight.
type barrierManagerState struct {
	inFlightPrevEpoch model.Epoch
}

// loadBarrierManagerState reads the persisted epoch pointer. A missing key
// means a fresh cluster and yields InvalidEpoch.
func loadBarrierManagerState(
	ctx context.Context, store metastore.MetaStore,
) (*barrierManagerState, error) {
	value, err := store.Get(ctx, inFlightPrevEpochKey)
	if err != nil {
		if cerror.Is(err, cerror.ErrMetaStoreKeyNotFound) {
			return &barrierManagerState{inFlightPrevEpoch: model.InvalidEpoch}, nil
		}
		return nil, err
	}
	raw, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMetaStoreOpFailed, err)
	}
	return &barrierManagerState{inFlightPrevEpoch: model.Epoch(raw)}, nil
}

// update persists the new in-flight prev epoch. The write must succeed
// before the matching barrier is sent to any worker.
func (s *barrierManagerState) update(
	ctx context.Context, store metastore.MetaStore, epoch model.Epoch,
) error {
	if err := store.Put(ctx, inFlightPrevEpochKey,
		[]byte(strconv.FormatUint(uint64(epoch), 10))); err != nil {
		return err
	}
	s.inFlightPrevEpoch = epoch
	return nil
}
