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

// WorkerID identifies one node in the cluster.
type WorkerID int32

// MetaNodeID is the reserved worker id of the meta node itself, used as the
// context id when the coordinator pins a storage snapshot on behalf of a DDL
// caller.
const MetaNodeID WorkerID = 0

// TableID identifies a table, materialized view, source, sink or index. All
// of them own a fragment graph, so the barrier layer treats them uniformly.
type TableID int64

// FragmentID identifies one logical stage of a streaming job's dataflow
// graph.
type FragmentID int64

// ActorID identifies one parallel execution unit of a fragment on a worker.
type ActorID int64

// WorkerType is the role of a cluster node.
type WorkerType int32

// Worker types. The barrier manager only ever talks to compute nodes.
const (
	WorkerTypeUnspecified WorkerType = iota
	WorkerTypeMeta
	WorkerTypeCompute
	WorkerTypeStorage
)

// WorkerState is the liveness state of a node tracked by the cluster
// manager.
type WorkerState int32

// Worker states.
const (
	WorkerStateUnspecified WorkerState = iota
	WorkerStateStarting
	WorkerStateRunning
	WorkerStateStopping
)

// WorkerNode is one member of the cluster.
type WorkerNode struct {
	ID      WorkerID    `json:"id"`
	Type    WorkerType  `json:"type"`
	Address string      `json:"address"`
	State   WorkerState `json:"state"`
}

// ActorState is the lifecycle state of an actor recorded in the fragment
// topology.
type ActorState int32

// Actor states. An actor is Inactive from the moment its fragments are
// scheduled until the command creating it is committed.
const (
	ActorStateUnspecified ActorState = iota
	ActorStateInactive
	ActorStateRunning
)

// ActorLocation ties an actor to the worker hosting it.
type ActorLocation struct {
	ActorID  ActorID  `json:"actor_id"`
	WorkerID WorkerID `json:"worker_id"`
}

// ActorInfos is the per-worker view of the actor topology computed for one
// barrier: which actors must collect the barrier, and which of them are
// stream sources that the barrier must be directly injected into.
type ActorInfos struct {
	// ActorMaps maps a worker to all actors on it that must collect the
	// barrier.
	ActorMaps map[WorkerID][]ActorID
	// SourceActorMaps maps a worker to the subset of actors that the barrier
	// is directly sent to.
	SourceActorMaps map[WorkerID][]ActorID
}
