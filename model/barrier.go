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

// Barrier is the control message injected into every actor's input stream.
// It marks the boundary between two epochs and optionally carries a
// structural mutation to be applied exactly at that boundary.
type Barrier struct {
	Epoch      EpochPair `json:"epoch"`
	Mutation   *Mutation `json:"mutation,omitempty"`
	Checkpoint bool      `json:"checkpoint"`
}

// DispatcherType describes how a dispatcher routes rows to downstream
// actors.
type DispatcherType int32

// Dispatcher types.
const (
	DispatcherTypeUnspecified DispatcherType = iota
	DispatcherTypeHash
	DispatcherTypeBroadcast
	DispatcherTypeSimple
	DispatcherTypeNoShuffle
)

// Dispatcher is the wire description of one output edge of an actor.
type Dispatcher struct {
	Type             DispatcherType `json:"type"`
	DispatcherID     int64          `json:"dispatcher_id"`
	DownstreamActors []ActorID      `json:"downstream_actors"`
}

// SourceSplit is an opaque unit of source parallelism assigned to an actor.
type SourceSplit struct {
	SplitID string `json:"split_id"`
	Payload []byte `json:"payload,omitempty"`
}

// AddMutation adds new actors to the graph: existing upstream actors gain
// the listed dispatchers and the new actors' placement is broadcast so that
// remote channels can be established.
type AddMutation struct {
	// ActorDispatchers maps an existing upstream actor to the dispatchers it
	// must add for the new downstream actors.
	ActorDispatchers map[ActorID][]Dispatcher `json:"actor_dispatchers,omitempty"`
	// AddedActors is the placement of all newly created actors.
	AddedActors []ActorLocation `json:"added_actors,omitempty"`
	// ActorSplits seeds source splits for the new source actors, if any.
	ActorSplits map[ActorID][]SourceSplit `json:"actor_splits,omitempty"`
}

// StopMutation stops and removes the listed actors. Upstream dispatchers to
// them are dropped on the same barrier.
type StopMutation struct {
	Actors []ActorID `json:"actors"`
}

// UpdateMutation rewires dispatchers when actors migrate between workers or
// parallelism changes.
type UpdateMutation struct {
	ActorDispatchers map[ActorID][]Dispatcher `json:"actor_dispatchers,omitempty"`
	DroppedActors    []ActorID                `json:"dropped_actors,omitempty"`
	AddedActors      []ActorLocation          `json:"added_actors,omitempty"`
}

// SplitMutation reassigns source splits to the listed actors.
type SplitMutation struct {
	ActorSplits map[ActorID][]SourceSplit `json:"actor_splits,omitempty"`
}

// Mutation is the structural payload attached to a barrier. Exactly one of
// the fields is set, mirroring a protobuf oneof.
type Mutation struct {
	Add    *AddMutation    `json:"add,omitempty"`
	Stop   *StopMutation   `json:"stop,omitempty"`
	Update *UpdateMutation `json:"update,omitempty"`
	Splits *SplitMutation  `json:"splits,omitempty"`
	Pause  bool            `json:"pause,omitempty"`
	Resume bool            `json:"resume,omitempty"`
}

// InjectBarrierRequest asks a worker to inject a barrier into the listed
// actors and start collecting it from all visible actors.
type InjectBarrierRequest struct {
	RequestID         string    `json:"request_id"`
	Barrier           *Barrier  `json:"barrier"`
	ActorIDsToSend    []ActorID `json:"actor_ids_to_send"`
	ActorIDsToCollect []ActorID `json:"actor_ids_to_collect"`
}

// InjectBarrierResponse acknowledges that the barrier has been injected on
// the worker.
type InjectBarrierResponse struct {
	RequestID string `json:"request_id"`
}

// BarrierCompleteRequest asks a worker to report once it has collected the
// barrier identified by its prev epoch from every actor.
type BarrierCompleteRequest struct {
	RequestID string `json:"request_id"`
	PrevEpoch Epoch  `json:"prev_epoch"`
}

// SSTableID identifies one immutable sorted table file produced by a
// worker's local storage during a sync.
type SSTableID uint64

// SSTableInfo describes one SST flushed by a worker for a checkpoint.
type SSTableInfo struct {
	ID               SSTableID `json:"id"`
	CompactionGroup  uint64    `json:"compaction_group"`
	FileSize         uint64    `json:"file_size"`
	KeyRangeLeft     []byte    `json:"key_range_left,omitempty"`
	KeyRangeRight    []byte    `json:"key_range_right,omitempty"`
}

// CreateMviewProgress is one backfill progress report attached to a barrier
// collection.
type CreateMviewProgress struct {
	BackfillActorID ActorID `json:"backfill_actor_id"`
	Done            bool    `json:"done"`
	ConsumedEpoch   Epoch   `json:"consumed_epoch"`
	ConsumedRows    uint64  `json:"consumed_rows"`
}

// BarrierCompleteResponse is a worker's report that a barrier has passed
// through all of its actors, together with the write batches to persist and
// any backfill progress made during the epoch.
type BarrierCompleteResponse struct {
	RequestID           string                 `json:"request_id"`
	WorkerID            WorkerID               `json:"worker_id"`
	SyncedSSTables      []SSTableInfo          `json:"synced_sstables,omitempty"`
	CreateMviewProgress []*CreateMviewProgress `json:"create_mview_progress,omitempty"`
	Checkpoint          bool                   `json:"checkpoint"`
}

// ForceStopActorsRequest asks a worker to abort all running actors and drop
// worker-local barrier state. Sent only during recovery.
type ForceStopActorsRequest struct {
	RequestID string `json:"request_id"`
	PrevEpoch Epoch  `json:"prev_epoch"`
}

// ForceStopActorsResponse acknowledges a force stop.
type ForceStopActorsResponse struct {
	RequestID string `json:"request_id"`
}

// Snapshot is the storage engine's externally visible version: the largest
// durably committed epoch and the largest readable (possibly uncommitted)
// epoch.
type Snapshot struct {
	CommittedEpoch Epoch `json:"committed_epoch"`
	CurrentEpoch   Epoch `json:"current_epoch"`
}
