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
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/tistream/model"
	cerror "github.com/pingcap/tistream/pkg/errors"
	"go.uber.org/zap"
)

// LocalEngine is an in-memory Engine that tracks version state only. It
// stands in for the real storage service in tests and demos.
type LocalEngine struct {
	mu       sync.Mutex
	snapshot model.Snapshot
	pinned   map[model.WorkerID][]model.Epoch
	ssts     map[model.SSTableID]model.WorkerID
}

// NewLocalEngine creates an engine with an empty version.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{
		pinned: make(map[model.WorkerID][]model.Epoch),
		ssts:   make(map[model.SSTableID]model.WorkerID),
	}
}

// CommitEpoch implements Engine.
func (e *LocalEngine) CommitEpoch(
	_ context.Context, epoch model.Epoch, ssts []model.SSTableInfo,
	workIDs map[model.SSTableID]model.WorkerID,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch < e.snapshot.CommittedEpoch {
		return cerror.ErrCommitEpoch.GenWithStackByArgs()
	}
	for _, sst := range ssts {
		e.ssts[sst.ID] = workIDs[sst.ID]
	}
	e.snapshot.CommittedEpoch = epoch
	if epoch > e.snapshot.CurrentEpoch {
		e.snapshot.CurrentEpoch = epoch
	}
	log.Debug("epoch committed",
		zap.Uint64("epoch", uint64(epoch)), zap.Int("ssts", len(ssts)))
	return nil
}

// UpdateCurrentEpoch implements Engine.
func (e *LocalEngine) UpdateCurrentEpoch(_ context.Context, epoch model.Epoch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch > e.snapshot.CurrentEpoch {
		e.snapshot.CurrentEpoch = epoch
	}
	return nil
}

// GetLastEpoch implements Engine.
func (e *LocalEngine) GetLastEpoch(_ context.Context) (model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot, nil
}

// PinSnapshot implements Engine.
func (e *LocalEngine) PinSnapshot(
	_ context.Context, contextID model.WorkerID,
) (model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned[contextID] = append(e.pinned[contextID], e.snapshot.CommittedEpoch)
	return e.snapshot, nil
}

// UnpinSnapshot implements Engine.
func (e *LocalEngine) UnpinSnapshot(_ context.Context, contextID model.WorkerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pinned, contextID)
	return nil
}
