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

package errors

import (
	"github.com/pingcap/errors"
)

// barrier coordination errors
var (
	ErrScheduledBarrierAbort = errors.Normalize(
		"scheduled barrier aborted",
		errors.RFCCodeText("TIS:ErrScheduledBarrierAbort"),
	)
	ErrInjectBarrier = errors.Normalize(
		"inject barrier to workers failed",
		errors.RFCCodeText("TIS:ErrInjectBarrier"),
	)
	ErrCollectBarrier = errors.Normalize(
		"collect barrier from workers failed",
		errors.RFCCodeText("TIS:ErrCollectBarrier"),
	)
	ErrCommitEpoch = errors.Normalize(
		"commit epoch to storage engine failed",
		errors.RFCCodeText("TIS:ErrCommitEpoch"),
	)
	ErrBarrierManagerClosed = errors.Normalize(
		"barrier manager is closed",
		errors.RFCCodeText("TIS:ErrBarrierManagerClosed"),
	)
)

// metastore errors
var (
	ErrMetaStoreKeyNotFound = errors.Normalize(
		"metastore key not found, %s",
		errors.RFCCodeText("TIS:ErrMetaStoreKeyNotFound"),
	)
	ErrMetaStoreOpFailed = errors.Normalize(
		"metastore operation failed",
		errors.RFCCodeText("TIS:ErrMetaStoreOpFailed"),
	)
)

// rpc errors
var (
	ErrGRPCDialFailed = errors.Normalize(
		"grpc dial to %s failed",
		errors.RFCCodeText("TIS:ErrGRPCDialFailed"),
	)
	ErrStreamRPCFailed = errors.Normalize(
		"stream service rpc %s failed",
		errors.RFCCodeText("TIS:ErrStreamRPCFailed"),
	)
	ErrStorageRPCFailed = errors.Normalize(
		"storage service rpc %s failed",
		errors.RFCCodeText("TIS:ErrStorageRPCFailed"),
	)
)

// config errors
var (
	ErrInvalidServerOption = errors.Normalize(
		"invalid server option, %s",
		errors.RFCCodeText("TIS:ErrInvalidServerOption"),
	)
	ErrDecodeConfigFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("TIS:ErrDecodeConfigFile"),
	)
)
