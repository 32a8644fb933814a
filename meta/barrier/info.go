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
	"github.com/pingcap/tistream/model"
)

// BarrierActorInfo is the audience of one barrier: for each live compute
// node, the actors the barrier must be injected into and the actors it must
// be collected from. It is derived fresh for every barrier.
type BarrierActorInfo struct {
	// NodeMap holds the live compute nodes by id.
	NodeMap map[model.WorkerID]*model.WorkerNode

	actorMap       map[model.WorkerID][]model.ActorID
	actorMapToSend map[model.WorkerID][]model.ActorID
}

// resolveBarrierActorInfo combines cluster membership with the per-worker
// actor maps computed by the fragment topology.
func resolveBarrierActorInfo(
	nodes []*model.WorkerNode, infos *model.ActorInfos,
) *BarrierActorInfo {
	info := &BarrierActorInfo{
		NodeMap:        make(map[model.WorkerID]*model.WorkerNode, len(nodes)),
		actorMap:       make(map[model.WorkerID][]model.ActorID),
		actorMapToSend: make(map[model.WorkerID][]model.ActorID),
	}
	for _, node := range nodes {
		info.NodeMap[node.ID] = node
		info.actorMap[node.ID] = infos.ActorMaps[node.ID]
		info.actorMapToSend[node.ID] = infos.SourceActorMaps[node.ID]
	}
	return info
}

// actorIDsToSend returns the actors on the worker that the barrier is
// directly injected into.
func (info *BarrierActorInfo) actorIDsToSend(workerID model.WorkerID) []model.ActorID {
	return info.actorMapToSend[workerID]
}

// actorIDsToCollect returns the actors on the worker that must acknowledge
// the barrier.
func (info *BarrierActorInfo) actorIDsToCollect(workerID model.WorkerID) []model.ActorID {
	return info.actorMap[workerID]
}

// nothingToDo reports whether no actor anywhere needs this barrier, in which
// case no epoch is consumed at all.
func (info *BarrierActorInfo) nothingToDo() bool {
	for _, actors := range info.actorMap {
		if len(actors) > 0 {
			return false
		}
	}
	return true
}
