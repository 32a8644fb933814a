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

package fragment

import (
	"context"

	"github.com/pingcap/tistream/model"
)

// CheckFunc decides whether a barrier must be sent to or collected from an
// actor, given its recorded state. The barrier manager supplies a closure
// over its in-flight command changes here, so that actors of uncommitted
// commands are already (or still) visible.
type CheckFunc func(state model.ActorState, tableID model.TableID, actorID model.ActorID) bool

// Reschedule moves the actors of one fragment between workers or changes
// its parallelism.
type Reschedule struct {
	// AddedActors are new actors, with their target placement.
	AddedActors []*model.Actor
	// RemovedActors are torn down on the barrier carrying the reschedule.
	RemovedActors []model.ActorID
}

// Manager exposes the fragment/actor topology to the coordinator. The
// stream-graph compiler that builds TableFragments from plans is an external
// collaborator; the barrier layer reads the topology and applies committed
// structural changes back to it.
type Manager interface {
	// LoadAllActors returns the per-worker actor maps for every actor that
	// passes check.
	LoadAllActors(ctx context.Context, check CheckFunc) (*model.ActorInfos, error)
	// ListTableFragments returns the fragment graphs of all known jobs.
	ListTableFragments(ctx context.Context) ([]*model.TableFragments, error)
	// CreateTableFragments registers a new job's graph. Its actors stay
	// Inactive until the creating command is committed.
	CreateTableFragments(ctx context.Context, tf *model.TableFragments) error
	// MarkTableFragmentsCreated flips the job's actors to Running once the
	// creating command's checkpoint is durable.
	MarkTableFragmentsCreated(ctx context.Context, tableID model.TableID) error
	// DropTableFragments removes the given jobs and their actors.
	DropTableFragments(ctx context.Context, tableIDs []model.TableID) error
	// ApplyReschedule commits actor movements of a reschedule command.
	ApplyReschedule(ctx context.Context, reschedules map[model.FragmentID]*Reschedule) error
	// UpdateActorSplits records a committed source split assignment.
	UpdateActorSplits(ctx context.Context, splits map[model.ActorID][]model.SourceSplit) error
}
