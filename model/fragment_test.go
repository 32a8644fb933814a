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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackfillActorIDs(t *testing.T) {
	t.Parallel()

	tf := &TableFragments{
		TableID: 1,
		Fragments: map[FragmentID]*Fragment{
			100: {
				ID:       100,
				TypeFlag: FragmentTypeSource,
				Actors: []*Actor{
					{ID: 11, WorkerID: 1, State: ActorStateRunning},
				},
			},
			101: {
				ID:       101,
				TypeFlag: FragmentTypeBackfill | FragmentTypeMview,
				Actors: []*Actor{
					{ID: 12, WorkerID: 1, State: ActorStateRunning},
					{ID: 13, WorkerID: 2, State: ActorStateInactive},
				},
			},
		},
	}

	require.ElementsMatch(t, []ActorID{12, 13}, tf.BackfillActorIDs())
	// Only actors of a committed job count; Inactive ones belong to a job
	// that has not been created yet.
	require.Equal(t, []ActorID{12}, tf.RunningBackfillActorIDs())
	require.Equal(t, []ActorID{11}, tf.SourceActorIDs())
}
