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

package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/tistream/model"
	"go.uber.org/zap"
)

// Manager exposes cluster membership to the coordinator. Heartbeating and
// lease bookkeeping live behind this interface; the barrier manager only
// ever asks for the running compute nodes.
type Manager interface {
	// ListWorkerNodes returns the nodes of the given type, optionally
	// filtered by state.
	ListWorkerNodes(ctx context.Context, tp model.WorkerType, state model.WorkerState) ([]*model.WorkerNode, error)
}

// Registry is an in-memory Manager that nodes register into. It backs tests
// and single-process deployments.
type Registry struct {
	mu    sync.RWMutex
	nodes map[model.WorkerID]*model.WorkerNode
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[model.WorkerID]*model.WorkerNode)}
}

// Register adds or refreshes a node.
func (r *Registry) Register(node *model.WorkerNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = node
	log.Info("worker node registered",
		zap.Int32("workerID", int32(node.ID)),
		zap.String("address", node.Address))
}

// Unregister removes a node.
func (r *Registry) Unregister(id model.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
	log.Info("worker node unregistered", zap.Int32("workerID", int32(id)))
}

// SetState transitions a node's liveness state.
func (r *Registry) SetState(id model.WorkerID, state model.WorkerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[id]; ok {
		node.State = state
	}
}

// ListWorkerNodes implements Manager.
func (r *Registry) ListWorkerNodes(
	_ context.Context, tp model.WorkerType, state model.WorkerState,
) ([]*model.WorkerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var nodes []*model.WorkerNode
	for _, node := range r.nodes {
		if node.Type != tp {
			continue
		}
		if state != model.WorkerStateUnspecified && node.State != state {
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
