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
	"time"

	cerror "github.com/pingcap/tistream/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdDialTimeout = 5 * time.Second

// EtcdStore is a MetaStore backed by an etcd cluster.
type EtcdStore struct {
	cli *clientv3.Client
}

// NewEtcdStore dials the etcd endpoints and returns a store.
func NewEtcdStore(ctx context.Context, endpoints []string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		Context:     ctx,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMetaStoreOpFailed, err)
	}
	return &EtcdStore{cli: cli}, nil
}

// Get implements MetaStore.
func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.cli.Get(ctx, key)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMetaStoreOpFailed, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, cerror.ErrMetaStoreKeyNotFound.GenWithStackByArgs(key)
	}
	return resp.Kvs[0].Value, nil
}

// Put implements MetaStore.
func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.cli.Put(ctx, key, string(value))
	return cerror.WrapError(cerror.ErrMetaStoreOpFailed, err)
}

// Delete implements MetaStore.
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	_, err := s.cli.Delete(ctx, key)
	return cerror.WrapError(cerror.ErrMetaStoreOpFailed, err)
}

// Close implements MetaStore.
func (s *EtcdStore) Close() error {
	return s.cli.Close()
}
