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
	"sync"

	cerror "github.com/pingcap/tistream/pkg/errors"
)

// MemStore is an in-memory MetaStore for tests and single-node demos.
type MemStore struct {
	mu sync.RWMutex
	kv map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{kv: make(map[string][]byte)}
}

// Get implements MetaStore.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.kv[key]
	if !ok {
		return nil, cerror.ErrMetaStoreKeyNotFound.GenWithStackByArgs(key)
	}
	ret := make([]byte, len(value))
	copy(ret, value)
	return ret, nil
}

// Put implements MetaStore.
func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	s.kv[key] = buf
	return nil
}

// Delete implements MetaStore.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// Close implements MetaStore.
func (s *MemStore) Close() error { return nil }
