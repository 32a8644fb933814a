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
	"testing"

	"github.com/pingcap/tistream/meta/fragment"
	"github.com/pingcap/tistream/model"
	"github.com/stretchr/testify/require"
)

func testTableFragments(tableID model.TableID) *model.TableFragments {
	fragmentID := model.FragmentID(tableID * 100)
	return &model.TableFragments{
		TableID: tableID,
		Fragments: map[model.FragmentID]*model.Fragment{
			fragmentID: {
				ID:       fragmentID,
				TypeFlag: model.FragmentTypeSource,
				Actors: []*model.Actor{
					{ID: model.ActorID(tableID*10 + 1), WorkerID: 1, State: model.ActorStateInactive},
					{ID: model.ActorID(tableID*10 + 2), WorkerID: 2, State: model.ActorStateInactive},
				},
			},
			fragmentID + 1: {
				ID:       fragmentID + 1,
				TypeFlag: model.FragmentTypeBackfill | model.FragmentTypeMview,
				Actors: []*model.Actor{
					{ID: model.ActorID(tableID*10 + 3), WorkerID: 1, State: model.ActorStateInactive},
				},
			},
		},
	}
}

func TestPlainCommand(t *testing.T) {
	t.Parallel()

	cmd := &PlainCommand{}
	require.True(t, cmd.Changes().None())
	require.False(t, cmd.ShouldPauseInjectBarrier())
	mutation, err := cmd.ToMutation()
	require.NoError(t, err)
	require.Nil(t, mutation)

	cmd = &PlainCommand{Mutation: &model.Mutation{Pause: true}}
	mutation, err = cmd.ToMutation()
	require.NoError(t, err)
	require.True(t, mutation.Pause)
}

func TestCreateStreamingJobMutation(t *testing.T) {
	t.Parallel()

	tf := testTableFragments(4)
	cmd := &CreateStreamingJob{
		Fragments: tf,
		Dispatchers: map[model.ActorID][]model.Dispatcher{
			7: {{DispatcherID: 70, DownstreamActors: []model.ActorID{41, 42}}},
		},
		InitSplits: map[model.ActorID][]model.SourceSplit{
			41: {{SplitID: "s-0"}},
		},
	}

	changes := cmd.Changes()
	require.Equal(t, []model.TableID{4}, changes.CreateTables)
	require.Empty(t, changes.DropTables)

	mutation, err := cmd.ToMutation()
	require.NoError(t, err)
	require.NotNil(t, mutation.Add)
	require.Len(t, mutation.Add.AddedActors, 3)
	require.Len(t, mutation.Add.ActorDispatchers[7], 1)
	require.Len(t, mutation.Add.ActorSplits[41], 1)
}

func TestDropStreamingJobsMutation(t *testing.T) {
	t.Parallel()

	cmd := &DropStreamingJobs{
		Tables: []*model.TableFragments{testTableFragments(4), testTableFragments(5)},
	}

	changes := cmd.Changes()
	require.ElementsMatch(t, []model.TableID{4, 5}, changes.DropTables)

	mutation, err := cmd.ToMutation()
	require.NoError(t, err)
	require.NotNil(t, mutation.Stop)
	require.ElementsMatch(t,
		[]model.ActorID{41, 42, 43, 51, 52, 53}, mutation.Stop.Actors)
}

func TestRescheduleFragmentChanges(t *testing.T) {
	t.Parallel()

	cmd := &RescheduleFragment{
		Reschedules: map[model.FragmentID]*fragment.Reschedule{
			400: {
				AddedActors:   []*model.Actor{{ID: 44, WorkerID: 2}},
				RemovedActors: []model.ActorID{41},
			},
		},
	}

	changes := cmd.Changes()
	require.Contains(t, changes.AddActors, model.ActorID(44))
	require.Contains(t, changes.RemoveActors, model.ActorID(41))

	mutation, err := cmd.ToMutation()
	require.NoError(t, err)
	require.NotNil(t, mutation.Update)
	require.Equal(t,
		[]model.ActorLocation{{ActorID: 44, WorkerID: 2}}, mutation.Update.AddedActors)
	require.Equal(t, []model.ActorID{41}, mutation.Update.DroppedActors)
}

func TestPauseResumeCommands(t *testing.T) {
	t.Parallel()

	pause := &PauseCommand{}
	require.True(t, pause.ShouldPauseInjectBarrier())
	mutation, err := pause.ToMutation()
	require.NoError(t, err)
	require.True(t, mutation.Pause)

	resume := &ResumeCommand{}
	require.True(t, resume.ShouldPauseInjectBarrier())
	mutation, err = resume.ToMutation()
	require.NoError(t, err)
	require.True(t, mutation.Resume)
}
