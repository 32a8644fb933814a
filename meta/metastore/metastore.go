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

package metastore

import (
	"context"
)

// MetaStore is the durable key-value metadata store used by the coordinator.
// The catalog/DDL persistence layer lives behind the same store; the barrier
// manager itself only persists the in-flight prev-epoch pointer.
type MetaStore interface {
	// Get returns the value of key, or ErrMetaStoreKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put upserts the value of key.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key if present.
	Delete(ctx context.Context, key string) error
	// Close releases the underlying client.
	Close() error
}
