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

	"github.com/pingcap/tistream/model"
	"github.com/stretchr/testify/require"
)

func TestProgressTrackerEmptyJobFinishesImmediately(t *testing.T) {
	t.Parallel()

	tracker := newCreateMviewProgressTracker()
	notifiers := []*Notifier{{}}
	returned := tracker.add(100, nil, notifiers)
	require.Equal(t, notifiers, returned)
	require.Empty(t, tracker.progressMap)
}

func TestProgressTrackerFinishesOnLastActor(t *testing.T) {
	t.Parallel()

	tracker := newCreateMviewProgressTracker()
	notifiers := []*Notifier{{}}
	require.Nil(t, tracker.add(100, []model.ActorID{1, 2}, notifiers))

	// A report that is not done keeps the job pending.
	require.Nil(t, tracker.update(&model.CreateMviewProgress{
		BackfillActorID: 1, Done: false, ConsumedEpoch: 200, ConsumedRows: 42,
	}))
	// A done report below the job's epoch does not count.
	require.Nil(t, tracker.update(&model.CreateMviewProgress{
		BackfillActorID: 1, Done: true, ConsumedEpoch: 99,
	}))
	require.Nil(t, tracker.update(&model.CreateMviewProgress{
		BackfillActorID: 1, Done: true, ConsumedEpoch: 100,
	}))
	returned := tracker.update(&model.CreateMviewProgress{
		BackfillActorID: 2, Done: true, ConsumedEpoch: 150,
	})
	require.Equal(t, notifiers, returned)
	require.Empty(t, tracker.progressMap)
	require.Empty(t, tracker.actorMap)
}

func TestProgressTrackerIgnoresUnknownActor(t *testing.T) {
	t.Parallel()

	tracker := newCreateMviewProgressTracker()
	require.Nil(t, tracker.update(&model.CreateMviewProgress{
		BackfillActorID: 9, Done: true, ConsumedEpoch: 1,
	}))
}

func TestProgressTrackerTakeAll(t *testing.T) {
	t.Parallel()

	tracker := newCreateMviewProgressTracker()
	n1 := &Notifier{}
	n2 := &Notifier{}
	tracker.add(100, []model.ActorID{1}, []*Notifier{n1})
	tracker.add(200, []model.ActorID{2}, []*Notifier{n2})

	taken := tracker.takeAll()
	require.ElementsMatch(t, []*Notifier{n1, n2}, taken)
	require.Empty(t, tracker.progressMap)
	require.Empty(t, tracker.actorMap)

	// Tracking an actor again after a reset is allowed.
	require.Nil(t, tracker.add(300, []model.ActorID{1}, nil))
}
