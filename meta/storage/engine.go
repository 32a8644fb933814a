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

package storage

import (
	"context"

	"github.com/pingcap/tistream/model"
)

// Engine is the coordinator's view of the durable LSM storage service.
// CommitEpoch is the only operation that makes streamed data crash-durable;
// UpdateCurrentEpoch merely advances the readable watermark for
// non-checkpoint barriers.
type Engine interface {
	// CommitEpoch durably commits all SSTs synced for epochs up to epoch.
	// workIDs records which worker produced each SST.
	CommitEpoch(ctx context.Context, epoch model.Epoch, ssts []model.SSTableInfo,
		workIDs map[model.SSTableID]model.WorkerID) error
	// UpdateCurrentEpoch advances the readable (not yet durable) epoch.
	UpdateCurrentEpoch(ctx context.Context, epoch model.Epoch) error
	// GetLastEpoch returns the current snapshot of the engine's version.
	GetLastEpoch(ctx context.Context) (model.Snapshot, error)
	// PinSnapshot pins the latest snapshot for the given context so that
	// compaction cannot reclaim it, and returns it.
	PinSnapshot(ctx context.Context, contextID model.WorkerID) (model.Snapshot, error)
	// UnpinSnapshot releases every snapshot pinned by the given context.
	UnpinSnapshot(ctx context.Context, contextID model.WorkerID) error
}
