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
	"github.com/pingcap/log"
	"github.com/pingcap/tistream/model"
	"go.uber.org/zap"
)

// progressEntry tracks the remaining backfill work of one creating job,
// keyed by the epoch of the barrier that introduced it.
type progressEntry struct {
	epoch        model.Epoch
	remaining    map[model.ActorID]struct{}
	consumedRows uint64
	notifiers    []*Notifier
}

// createMviewProgressTracker tracks the asynchronous completion of
// structural commands whose historical backfill outlives the barrier that
// introduced them. It is owned by the coordinator loop and rebuilt from
// scratch on recovery.
type createMviewProgressTracker struct {
	progressMap map[model.Epoch]*progressEntry
	// actorMap points each tracked backfill actor at its job's epoch.
	actorMap map[model.ActorID]model.Epoch
}

func newCreateMviewProgressTracker() *createMviewProgressTracker {
	return &createMviewProgressTracker{
		progressMap: make(map[model.Epoch]*progressEntry),
		actorMap:    make(map[model.ActorID]model.Epoch),
	}
}

// add registers a job's backfill actors at the given epoch. If there is
// nothing to backfill, the notifiers are handed straight back to the caller
// as already finished.
func (t *createMviewProgressTracker) add(
	epoch model.Epoch, actors []model.ActorID, notifiers []*Notifier,
) []*Notifier {
	if len(actors) == 0 {
		return notifiers
	}
	entry := &progressEntry{
		epoch:     epoch,
		remaining: make(map[model.ActorID]struct{}, len(actors)),
		notifiers: notifiers,
	}
	for _, actorID := range actors {
		entry.remaining[actorID] = struct{}{}
		if prev, ok := t.actorMap[actorID]; ok {
			log.Panic("backfill actor tracked twice",
				zap.Int64("actorID", int64(actorID)),
				zap.Uint64("prevEpoch", uint64(prev)))
		}
		t.actorMap[actorID] = epoch
	}
	t.progressMap[epoch] = entry
	return nil
}

// update applies one progress report. When the report finishes the last
// actor of a job at or after the epoch it was registered at, the job's
// stored notifiers are returned so the caller can fire "finished".
func (t *createMviewProgressTracker) update(p *model.CreateMviewProgress) []*Notifier {
	epoch, ok := t.actorMap[p.BackfillActorID]
	if !ok {
		// Reports may trail behind a finished or recovered job.
		return nil
	}
	entry := t.progressMap[epoch]
	if !p.Done || p.ConsumedEpoch < entry.epoch {
		entry.consumedRows = p.ConsumedRows
		return nil
	}
	delete(entry.remaining, p.BackfillActorID)
	delete(t.actorMap, p.BackfillActorID)
	if len(entry.remaining) > 0 {
		return nil
	}
	delete(t.progressMap, epoch)
	return entry.notifiers
}

// takeAll empties the tracker and returns every pending notifier, used by
// recovery to fail them before rebuilding.
func (t *createMviewProgressTracker) takeAll() []*Notifier {
	var notifiers []*Notifier
	for _, entry := range t.progressMap {
		notifiers = append(notifiers, entry.notifiers...)
	}
	t.progressMap = make(map[model.Epoch]*progressEntry)
	t.actorMap = make(map[model.ActorID]model.Epoch)
	return notifiers
}
