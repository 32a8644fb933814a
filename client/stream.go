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

	"github.com/pingcap/tistream/model"
	cerror "github.com/pingcap/tistream/pkg/errors"
	"google.golang.org/grpc"
)

// Stream service method paths.
const (
	methodInjectBarrier   = "/tistream.stream.StreamService/InjectBarrier"
	methodBarrierComplete = "/tistream.stream.StreamService/BarrierComplete"
	methodForceStopActors = "/tistream.stream.StreamService/ForceStopActors"
)

// StreamClient talks to the dataflow execution service on one worker node.
type StreamClient interface {
	// InjectBarrier returns once the worker has injected the barrier into
	// the requested actors.
	InjectBarrier(ctx context.Context, req *model.InjectBarrierRequest) (*model.InjectBarrierResponse, error)
	// BarrierComplete returns once the worker has collected the barrier from
	// every requested actor, together with the synced write batches.
	BarrierComplete(ctx context.Context, req *model.BarrierCompleteRequest) (*model.BarrierCompleteResponse, error)
	// ForceStopActors aborts all running actors on the worker. Used only by
	// recovery to reset worker-local dataflow state.
	ForceStopActors(ctx context.Context, req *model.ForceStopActorsRequest) (*model.ForceStopActorsResponse, error)
}

type grpcStreamClient struct {
	conn *grpc.ClientConn
}

// NewStreamClient dials the worker's stream service.
func NewStreamClient(ctx context.Context, addr string) (StreamClient, error) {
	conn, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &grpcStreamClient{conn: conn}, nil
}

func (c *grpcStreamClient) InjectBarrier(
	ctx context.Context, req *model.InjectBarrierRequest,
) (*model.InjectBarrierResponse, error) {
	resp := new(model.InjectBarrierResponse)
	if err := c.conn.Invoke(ctx, methodInjectBarrier, req, resp); err != nil {
		return nil, cerror.WrapError(cerror.ErrStreamRPCFailed, err, methodInjectBarrier)
	}
	return resp, nil
}

func (c *grpcStreamClient) BarrierComplete(
	ctx context.Context, req *model.BarrierCompleteRequest,
) (*model.BarrierCompleteResponse, error) {
	resp := new(model.BarrierCompleteResponse)
	if err := c.conn.Invoke(ctx, methodBarrierComplete, req, resp); err != nil {
		return nil, cerror.WrapError(cerror.ErrStreamRPCFailed, err, methodBarrierComplete)
	}
	return resp, nil
}

func (c *grpcStreamClient) ForceStopActors(
	ctx context.Context, req *model.ForceStopActorsRequest,
) (*model.ForceStopActorsResponse, error) {
	resp := new(model.ForceStopActorsResponse)
	if err := c.conn.Invoke(ctx, methodForceStopActors, req, resp); err != nil {
		return nil, cerror.WrapError(cerror.ErrStreamRPCFailed, err, methodForceStopActors)
	}
	return resp, nil
}
