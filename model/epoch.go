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

import (
	"time"
)

// epochPhysicalShift is the number of bits reserved for the logical part of
// an epoch. The higher bits hold a physical timestamp in milliseconds, so
// epochs allocated after a restart always sort above epochs from before it.
const epochPhysicalShift = 16

// InvalidEpoch is the zero value of Epoch. It is never injected into the
// stream graph and never committed to the storage engine.
const InvalidEpoch Epoch = 0

// Epoch is a cluster-wide monotonic logical timestamp. Every barrier carries
// a (prev, curr) pair of epochs, and the curr epoch of barrier n becomes the
// prev epoch of barrier n+1.
type Epoch uint64

// NewEpoch builds an epoch from a wall-clock time with an empty logical part.
func NewEpoch(t time.Time) Epoch {
	return Epoch(uint64(t.UnixMilli()) << epochPhysicalShift)
}

// Next returns the smallest valid epoch greater than e. It prefers the
// current physical time so that epochs roughly track the wall clock, but
// never goes backwards even if the clock does.
func (e Epoch) Next() Epoch {
	physical := NewEpoch(time.Now())
	if physical > e {
		return physical
	}
	return e + 1
}

// PhysicalTime returns the wall-clock time encoded in the epoch.
func (e Epoch) PhysicalTime() time.Time {
	return time.UnixMilli(int64(uint64(e) >> epochPhysicalShift))
}

// EpochPair is the (prev, curr) pair carried by one barrier.
type EpochPair struct {
	Prev Epoch `json:"prev"`
	Curr Epoch `json:"curr"`
}
