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

package client

import (
	"context"
	"sync"

	"github.com/pingcap/tistream/model"
)

// StreamClientPool caches one stream client per worker address. Workers churn
// across recoveries, so clients are created lazily and shared by address.
type StreamClientPool struct {
	mu      sync.Mutex
	clients map[string]StreamClient
	factory func(ctx context.Context, addr string) (StreamClient, error)
}

// NewStreamClientPool creates a pool dialing real grpc connections.
func NewStreamClientPool() *StreamClientPool {
	return &StreamClientPool{
		clients: make(map[string]StreamClient),
		factory: NewStreamClient,
	}
}

// NewStreamClientPoolWithFactory creates a pool with a custom client factory.
// Tests use this to plug in mock workers.
func NewStreamClientPoolWithFactory(
	factory func(ctx context.Context, addr string) (StreamClient, error),
) *StreamClientPool {
	return &StreamClientPool{
		clients: make(map[string]StreamClient),
		factory: factory,
	}
}

// Get returns the client for the node, dialing it on first use.
func (p *StreamClientPool) Get(ctx context.Context, node *model.WorkerNode) (StreamClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cli, ok := p.clients[node.Address]; ok {
		return cli, nil
	}
	cli, err := p.factory(ctx, node.Address)
	if err != nil {
		return nil, err
	}
	p.clients[node.Address] = cli
	return cli, nil
}

// Invalidate drops the cached client of an address, forcing a re-dial on the
// next Get.
func (p *StreamClientPool) Invalidate(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, addr)
}
