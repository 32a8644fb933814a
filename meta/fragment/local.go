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

package fragment

import (
	"context"
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/tistream/model"
	cerror "github.com/pingcap/tistream/pkg/errors"
	"go.uber.org/zap"
)

// LocalManager is an in-memory Manager used by tests and single-process
// deployments. A persistent implementation would shadow the same operations
// onto the metastore.
type LocalManager struct {
	mu     sync.RWMutex
	tables map[model.TableID]*model.TableFragments
}

// NewLocalManager creates an empty LocalManager.
func NewLocalManager() *LocalManager {
	return &LocalManager{tables: make(map[model.TableID]*model.TableFragments)}
}

// LoadAllActors implements Manager.
func (m *LocalManager) LoadAllActors(_ context.Context, check CheckFunc) (*model.ActorInfos, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := &model.ActorInfos{
		ActorMaps:       make(map[model.WorkerID][]model.ActorID),
		SourceActorMaps: make(map[model.WorkerID][]model.ActorID),
	}
	for tableID, tf := range m.tables {
		for _, f := range tf.Fragments {
			for _, a := range f.Actors {
				if !check(a.State, tableID, a.ID) {
					continue
				}
				infos.ActorMaps[a.WorkerID] = append(infos.ActorMaps[a.WorkerID], a.ID)
				if f.IsSource() {
					infos.SourceActorMaps[a.WorkerID] = append(infos.SourceActorMaps[a.WorkerID], a.ID)
				}
			}
		}
	}
	return infos, nil
}

// ListTableFragments implements Manager.
func (m *LocalManager) ListTableFragments(_ context.Context) ([]*model.TableFragments, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tfs := make([]*model.TableFragments, 0, len(m.tables))
	for _, tf := range m.tables {
		tfs = append(tfs, tf)
	}
	return tfs, nil
}

// CreateTableFragments implements Manager.
func (m *LocalManager) CreateTableFragments(_ context.Context, tf *model.TableFragments) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[tf.TableID]; ok {
		return cerror.ErrMetaStoreOpFailed.GenWithStack(
			"table fragments %d already exist", tf.TableID)
	}
	m.tables[tf.TableID] = tf
	return nil
}

// MarkTableFragmentsCreated implements Manager.
func (m *LocalManager) MarkTableFragmentsCreated(_ context.Context, tableID model.TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tf, ok := m.tables[tableID]
	if !ok {
		return cerror.ErrMetaStoreOpFailed.GenWithStack(
			"table fragments %d not found", tableID)
	}
	for _, f := range tf.Fragments {
		for _, a := range f.Actors {
			a.State = model.ActorStateRunning
		}
	}
	log.Info("table fragments created", zap.Int64("tableID", int64(tableID)))
	return nil
}

// DropTableFragments implements Manager.
func (m *LocalManager) DropTableFragments(_ context.Context, tableIDs []model.TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range tableIDs {
		delete(m.tables, id)
	}
	return nil
}

// ApplyReschedule implements Manager.
func (m *LocalManager) ApplyReschedule(
	_ context.Context, reschedules map[model.FragmentID]*Reschedule,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fragmentID, reschedule := range reschedules {
		for _, tf := range m.tables {
			f, ok := tf.Fragments[fragmentID]
			if !ok {
				continue
			}
			removed := make(map[model.ActorID]struct{}, len(reschedule.RemovedActors))
			for _, id := range reschedule.RemovedActors {
				removed[id] = struct{}{}
			}
			kept := f.Actors[:0]
			for _, a := range f.Actors {
				if _, ok := removed[a.ID]; !ok {
					kept = append(kept, a)
				}
			}
			f.Actors = kept
			for _, a := range reschedule.AddedActors {
				a.State = model.ActorStateRunning
				f.Actors = append(f.Actors, a)
			}
		}
	}
	return nil
}

// UpdateActorSplits implements Manager. Split ownership is tracked by the
// source manager collaborator; the local topology has nothing to update.
func (m *LocalManager) UpdateActorSplits(
	_ context.Context, _ map[model.ActorID][]model.SourceSplit,
) error {
	return nil
}
