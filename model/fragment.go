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

package model

// FragmentTypeFlag marks the special roles a fragment may play in the
// dataflow graph.
type FragmentTypeFlag int32

// Fragment type flags, combinable as a bitmask.
const (
	// FragmentTypeSource marks a fragment whose actors pull from external
	// sources. Barriers are injected directly into these actors.
	FragmentTypeSource FragmentTypeFlag = 1 << iota
	// FragmentTypeBackfill marks a fragment whose actors scan historical
	// data when a materialized view is created on existing tables. The
	// creating command is only finished once every backfill actor reports
	// done.
	FragmentTypeBackfill
	// FragmentTypeMview marks the fragment materializing the job's output.
	FragmentTypeMview
)

// Actor is one parallel instance of a fragment, pinned to a worker.
type Actor struct {
	ID       ActorID    `json:"id"`
	WorkerID WorkerID   `json:"worker_id"`
	State    ActorState `json:"state"`
}

// Fragment is one logical stage of a streaming job, instantiated as a set of
// actors for parallelism.
type Fragment struct {
	ID       FragmentID       `json:"id"`
	TypeFlag FragmentTypeFlag `json:"type_flag"`
	Actors   []*Actor         `json:"actors"`
}

// IsSource reports whether barriers must be injected directly into this
// fragment's actors.
func (f *Fragment) IsSource() bool {
	return f.TypeFlag&FragmentTypeSource != 0
}

// IsBackfill reports whether this fragment performs historical backfill.
func (f *Fragment) IsBackfill() bool {
	return f.TypeFlag&FragmentTypeBackfill != 0
}

// TableFragments is the complete fragment graph of one streaming job, keyed
// by the id of the table (or mview, source, sink, index) it materializes.
type TableFragments struct {
	TableID   TableID                  `json:"table_id"`
	Fragments map[FragmentID]*Fragment `json:"fragments"`
}

// ActorIDs returns the ids of every actor of the job.
func (tf *TableFragments) ActorIDs() []ActorID {
	var ids []ActorID
	for _, f := range tf.Fragments {
		for _, a := range f.Actors {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// ActorLocations returns the worker placement of every actor of the job.
func (tf *TableFragments) ActorLocations() []ActorLocation {
	var locs []ActorLocation
	for _, f := range tf.Fragments {
		for _, a := range f.Actors {
			locs = append(locs, ActorLocation{ActorID: a.ID, WorkerID: a.WorkerID})
		}
	}
	return locs
}

// BackfillActorIDs returns the ids of actors that must finish historical
// backfill before the creating command can be reported done.
func (tf *TableFragments) BackfillActorIDs() []ActorID {
	var ids []ActorID
	for _, f := range tf.Fragments {
		if !f.IsBackfill() {
			continue
		}
		for _, a := range f.Actors {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// RunningBackfillActorIDs returns the backfill actors of a job whose
// creating command has already been committed. Inactive backfill actors
// belong to a job that is registered but not created yet; tracking starts
// for them only on the barrier carrying the creating command.
func (tf *TableFragments) RunningBackfillActorIDs() []ActorID {
	var ids []ActorID
	for _, f := range tf.Fragments {
		if !f.IsBackfill() {
			continue
		}
		for _, a := range f.Actors {
			if a.State == ActorStateRunning {
				ids = append(ids, a.ID)
			}
		}
	}
	return ids
}

// SourceActorIDs returns the ids of actors that barriers are injected
// directly into.
func (tf *TableFragments) SourceActorIDs() []ActorID {
	var ids []ActorID
	for _, f := range tf.Fragments {
		if !f.IsSource() {
			continue
		}
		for _, a := range f.Actors {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
