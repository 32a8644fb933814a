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

package barrier

import (
	"github.com/pingcap/tistream/meta/fragment"
	"github.com/pingcap/tistream/model"
)

// Changes summarizes which tables and actors a command adds or removes.
// Commands run concurrently with the barriers introducing them, and the
// fragment topology is only updated once a command's checkpoint is durable,
// so checkpoint control records these uncommitted changes to adjust actor
// visibility in the meantime.
type Changes struct {
	CreateTables []model.TableID
	DropTables   []model.TableID
	AddActors    map[model.ActorID]struct{}
	RemoveActors map[model.ActorID]struct{}
}

// None reports whether the command changes nothing structurally.
func (c Changes) None() bool {
	return len(c.CreateTables) == 0 && len(c.DropTables) == 0 &&
		len(c.AddActors) == 0 && len(c.RemoveActors) == 0
}

// Command describes a structural change as data. It is immutable once
// scheduled and owns every catalog object needed to render its Mutation.
// The variant set is closed; consumption sites type-switch over it
// exhaustively.
type Command interface {
	// Changes returns the add/remove summary applied to checkpoint control
	// before the command's mutation is even built.
	Changes() Changes
	// ToMutation renders the wire payload sent to every worker alongside
	// the barrier. It must be deterministic and side-effect free.
	ToMutation() (*model.Mutation, error)
	// ShouldPauseInjectBarrier reports whether this command must be the
	// last barrier in flight until it completes.
	ShouldPauseInjectBarrier() bool

	isCommand()
}

// PlainCommand carries no structural change. It is the default periodic
// checkpoint barrier, and may optionally wrap a pre-built mutation.
type PlainCommand struct {
	Mutation *model.Mutation
}

// Changes implements Command.
func (c *PlainCommand) Changes() Changes { return Changes{} }

// ToMutation implements Command.
func (c *PlainCommand) ToMutation() (*model.Mutation, error) { return c.Mutation, nil }

// ShouldPauseInjectBarrier implements Command.
func (c *PlainCommand) ShouldPauseInjectBarrier() bool { return false }

func (c *PlainCommand) isCommand() {}

// CreateStreamingJob creates a table, materialized view, source, sink or
// index: its fragment graph is already scheduled onto workers with Inactive
// actors, and this command's barrier brings them to life.
type CreateStreamingJob struct {
	// Fragments is the graph of the new job.
	Fragments *model.TableFragments
	// Dispatchers are added to pre-existing upstream actors so that they
	// fan into the new job's actors.
	Dispatchers map[model.ActorID][]model.Dispatcher
	// InitSplits seeds source splits for the job's source actors.
	InitSplits map[model.ActorID][]model.SourceSplit
}

// Changes implements Command.
func (c *CreateStreamingJob) Changes() Changes {
	return Changes{CreateTables: []model.TableID{c.Fragments.TableID}}
}

// ToMutation implements Command.
func (c *CreateStreamingJob) ToMutation() (*model.Mutation, error) {
	return &model.Mutation{
		Add: &model.AddMutation{
			ActorDispatchers: c.Dispatchers,
			AddedActors:      c.Fragments.ActorLocations(),
			ActorSplits:      c.InitSplits,
		},
	}, nil
}

// ShouldPauseInjectBarrier implements Command.
func (c *CreateStreamingJob) ShouldPauseInjectBarrier() bool { return false }

func (c *CreateStreamingJob) isCommand() {}

// DropStreamingJobs removes one or more jobs and all of their actors. The
// command owns the dropped jobs' fragment graphs, since the topology may no
// longer serve them by the time the mutation is built.
type DropStreamingJobs struct {
	Tables []*model.TableFragments
}

// Changes implements Command.
func (c *DropStreamingJobs) Changes() Changes {
	ids := make([]model.TableID, 0, len(c.Tables))
	for _, tf := range c.Tables {
		ids = append(ids, tf.TableID)
	}
	return Changes{DropTables: ids}
}

// ToMutation implements Command.
func (c *DropStreamingJobs) ToMutation() (*model.Mutation, error) {
	var actors []model.ActorID
	for _, tf := range c.Tables {
		actors = append(actors, tf.ActorIDs()...)
	}
	return &model.Mutation{Stop: &model.StopMutation{Actors: actors}}, nil
}

// ShouldPauseInjectBarrier implements Command.
func (c *DropStreamingJobs) ShouldPauseInjectBarrier() bool { return false }

func (c *DropStreamingJobs) isCommand() {}

// RescheduleFragment moves actors of the given fragments between workers or
// changes their parallelism.
type RescheduleFragment struct {
	Reschedules map[model.FragmentID]*fragment.Reschedule
	// DispatcherUpdates rewires upstream dispatchers to the new actor sets.
	DispatcherUpdates map[model.ActorID][]model.Dispatcher
}

// Changes implements Command.
func (c *RescheduleFragment) Changes() Changes {
	toAdd := make(map[model.ActorID]struct{})
	toRemove := make(map[model.ActorID]struct{})
	for _, reschedule := range c.Reschedules {
		for _, a := range reschedule.AddedActors {
			toAdd[a.ID] = struct{}{}
		}
		for _, id := range reschedule.RemovedActors {
			toRemove[id] = struct{}{}
		}
	}
	return Changes{AddActors: toAdd, RemoveActors: toRemove}
}

// ToMutation implements Command.
func (c *RescheduleFragment) ToMutation() (*model.Mutation, error) {
	update := &model.UpdateMutation{ActorDispatchers: c.DispatcherUpdates}
	for _, reschedule := range c.Reschedules {
		for _, a := range reschedule.AddedActors {
			update.AddedActors = append(update.AddedActors,
				model.ActorLocation{ActorID: a.ID, WorkerID: a.WorkerID})
		}
		update.DroppedActors = append(update.DroppedActors, reschedule.RemovedActors...)
	}
	return &model.Mutation{Update: update}, nil
}

// ShouldPauseInjectBarrier implements Command.
func (c *RescheduleFragment) ShouldPauseInjectBarrier() bool { return false }

func (c *RescheduleFragment) isCommand() {}

// SourceSplitAssignment reassigns source splits to actors after a source
// rebalance.
type SourceSplitAssignment struct {
	Splits map[model.ActorID][]model.SourceSplit
}

// Changes implements Command.
func (c *SourceSplitAssignment) Changes() Changes { return Changes{} }

// ToMutation implements Command.
func (c *SourceSplitAssignment) ToMutation() (*model.Mutation, error) {
	return &model.Mutation{Splits: &model.SplitMutation{ActorSplits: c.Splits}}, nil
}

// ShouldPauseInjectBarrier implements Command.
func (c *SourceSplitAssignment) ShouldPauseInjectBarrier() bool { return false }

func (c *SourceSplitAssignment) isCommand() {}

// PauseCommand pauses every source in the dataflow graph. No further
// barrier may be injected until it completes, so that the paused state is
// unambiguous.
type PauseCommand struct{}

// Changes implements Command.
func (c *PauseCommand) Changes() Changes { return Changes{} }

// ToMutation implements Command.
func (c *PauseCommand) ToMutation() (*model.Mutation, error) {
	return &model.Mutation{Pause: true}, nil
}

// ShouldPauseInjectBarrier implements Command.
func (c *PauseCommand) ShouldPauseInjectBarrier() bool { return true }

func (c *PauseCommand) isCommand() {}

// ResumeCommand resumes sources paused by a PauseCommand.
type ResumeCommand struct{}

// Changes implements Command.
func (c *ResumeCommand) Changes() Changes { return Changes{} }

// ToMutation implements Command.
func (c *ResumeCommand) ToMutation() (*model.Mutation, error) {
	return &model.Mutation{Resume: true}, nil
}

// ShouldPauseInjectBarrier implements Command.
func (c *ResumeCommand) ShouldPauseInjectBarrier() bool { return true }

func (c *ResumeCommand) isCommand() {}
