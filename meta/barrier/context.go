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
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/tistream/meta/fragment"
	"github.com/pingcap/tistream/model"
)

// CommandContext is everything needed to drive one barrier through the
// cluster: the resolved audience, the epoch pair, the command and the
// checkpoint decision. It is built once per barrier by the coordinator loop
// and shared read-only with the async collect task; only the lazily rendered
// mutation is guarded.
type CommandContext struct {
	fragmentManager fragment.Manager

	Info       *BarrierActorInfo
	PrevEpoch  model.Epoch
	CurrEpoch  model.Epoch
	Command    Command
	Checkpoint bool

	mu       sync.Mutex
	mutation *model.Mutation
	rendered bool
}

func newCommandContext(
	fragmentManager fragment.Manager,
	info *BarrierActorInfo,
	prevEpoch, currEpoch model.Epoch,
	command Command,
	checkpoint bool,
) *CommandContext {
	return &CommandContext{
		fragmentManager: fragmentManager,
		Info:            info,
		PrevEpoch:       prevEpoch,
		CurrEpoch:       currEpoch,
		Command:         command,
		Checkpoint:      checkpoint,
	}
}

// ToMutation renders the command's wire mutation, caching the result so that
// every worker receives an identical payload.
func (c *CommandContext) ToMutation() (*model.Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rendered {
		return c.mutation, nil
	}
	mutation, err := c.Command.ToMutation()
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.mutation = mutation
	c.rendered = true
	return mutation, nil
}

// actorsToTrack returns the backfill actors whose completion the command's
// caller is waiting on. Only creating jobs have any.
func (c *CommandContext) actorsToTrack() []model.ActorID {
	switch cmd := c.Command.(type) {
	case *CreateStreamingJob:
		return cmd.Fragments.BackfillActorIDs()
	case *PlainCommand, *DropStreamingJobs, *RescheduleFragment,
		*SourceSplitAssignment, *PauseCommand, *ResumeCommand:
		return nil
	default:
		log.Panic("unknown command variant")
		return nil
	}
}

// postCollect applies the command's committed structural change to the
// fragment topology. It runs only after the checkpoint carrying the command
// is durable, so the topology never reflects an uncommitted change.
func (c *CommandContext) postCollect(ctx context.Context) error {
	switch cmd := c.Command.(type) {
	case *PlainCommand, *PauseCommand, *ResumeCommand:
		return nil
	case *CreateStreamingJob:
		return errors.Trace(
			c.fragmentManager.MarkTableFragmentsCreated(ctx, cmd.Fragments.TableID))
	case *DropStreamingJobs:
		ids := make([]model.TableID, 0, len(cmd.Tables))
		for _, tf := range cmd.Tables {
			ids = append(ids, tf.TableID)
		}
		return errors.Trace(c.fragmentManager.DropTableFragments(ctx, ids))
	case *RescheduleFragment:
		return errors.Trace(c.fragmentManager.ApplyReschedule(ctx, cmd.Reschedules))
	case *SourceSplitAssignment:
		return errors.Trace(c.fragmentManager.UpdateActorSplits(ctx, cmd.Splits))
	default:
		log.Panic("unknown command variant")
		return nil
	}
}
