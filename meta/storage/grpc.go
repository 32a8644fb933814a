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

package storage

import (
	"context"

	"github.com/pingcap/tistream/client"
	"github.com/pingcap/tistream/model"
	cerror "github.com/pingcap/tistream/pkg/errors"
	"google.golang.org/grpc"
)

// Storage service method paths.
const (
	methodCommitEpoch        = "/tistream.storage.StorageService/CommitEpoch"
	methodUpdateCurrentEpoch = "/tistream.storage.StorageService/UpdateCurrentEpoch"
	methodGetLastEpoch       = "/tistream.storage.StorageService/GetLastEpoch"
	methodPinSnapshot        = "/tistream.storage.StorageService/PinSnapshot"
	methodUnpinSnapshot      = "/tistream.storage.StorageService/UnpinSnapshot"
)

type commitEpochRequest struct {
	Epoch   model.Epoch                        `json:"epoch"`
	SSTs    []model.SSTableInfo                `json:"ssts"`
	WorkIDs map[model.SSTableID]model.WorkerID `json:"work_ids"`
}

type updateCurrentEpochRequest struct {
	Epoch model.Epoch `json:"epoch"`
}

type snapshotRequest struct {
	ContextID model.WorkerID `json:"context_id"`
}

type emptyResponse struct{}

// GrpcEngine is an Engine backed by the remote storage service.
type GrpcEngine struct {
	conn *grpc.ClientConn
}

// NewGrpcEngine dials the storage service.
func NewGrpcEngine(ctx context.Context, addr string) (*GrpcEngine, error) {
	conn, err := client.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &GrpcEngine{conn: conn}, nil
}

// CommitEpoch implements Engine.
func (e *GrpcEngine) CommitEpoch(
	ctx context.Context, epoch model.Epoch, ssts []model.SSTableInfo,
	workIDs map[model.SSTableID]model.WorkerID,
) error {
	req := &commitEpochRequest{Epoch: epoch, SSTs: ssts, WorkIDs: workIDs}
	err := e.conn.Invoke(ctx, methodCommitEpoch, req, new(emptyResponse))
	return cerror.WrapError(cerror.ErrStorageRPCFailed, err, methodCommitEpoch)
}

// UpdateCurrentEpoch implements Engine.
func (e *GrpcEngine) UpdateCurrentEpoch(ctx context.Context, epoch model.Epoch) error {
	req := &updateCurrentEpochRequest{Epoch: epoch}
	err := e.conn.Invoke(ctx, methodUpdateCurrentEpoch, req, new(emptyResponse))
	return cerror.WrapError(cerror.ErrStorageRPCFailed, err, methodUpdateCurrentEpoch)
}

// GetLastEpoch implements Engine.
func (e *GrpcEngine) GetLastEpoch(ctx context.Context) (model.Snapshot, error) {
	var snapshot model.Snapshot
	err := e.conn.Invoke(ctx, methodGetLastEpoch, &struct{}{}, &snapshot)
	if err != nil {
		return model.Snapshot{}, cerror.WrapError(cerror.ErrStorageRPCFailed, err, methodGetLastEpoch)
	}
	return snapshot, nil
}

// PinSnapshot implements Engine.
func (e *GrpcEngine) PinSnapshot(
	ctx context.Context, contextID model.WorkerID,
) (model.Snapshot, error) {
	var snapshot model.Snapshot
	err := e.conn.Invoke(ctx, methodPinSnapshot, &snapshotRequest{ContextID: contextID}, &snapshot)
	if err != nil {
		return model.Snapshot{}, cerror.WrapError(cerror.ErrStorageRPCFailed, err, methodPinSnapshot)
	}
	return snapshot, nil
}

// UnpinSnapshot implements Engine.
func (e *GrpcEngine) UnpinSnapshot(ctx context.Context, contextID model.WorkerID) error {
	err := e.conn.Invoke(ctx, methodUnpinSnapshot, &snapshotRequest{ContextID: contextID}, new(emptyResponse))
	return cerror.WrapError(cerror.ErrStorageRPCFailed, err, methodUnpinSnapshot)
}
