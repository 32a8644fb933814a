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
	"github.com/pingcap/log"
	"github.com/pingcap/tistream/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// barrierEpochState is the lifecycle state of one in-flight barrier.
type barrierEpochState int

const (
	// stateInFlight means the barrier is traveling through the stream graph
	// and not every worker has collected it yet.
	stateInFlight barrierEpochState = iota
	// stateCompleted means every worker has collected the barrier. The node
	// still waits for all older epochs to complete before committing.
	stateCompleted
)

// epochNode tracks one barrier from injection to durable commit.
type epochNode struct {
	timer           *prometheus.Timer
	waitCommitTimer *prometheus.Timer

	state      barrierEpochState
	resps      []*model.BarrierCompleteResponse
	checkpoint bool

	commandCtx *CommandContext
	notifiers  []*Notifier
}

// checkpointPost is the deferred post-processing of one completed barrier:
// the notifiers that may only fire once a checkpoint is durable, and the
// command whose structural change is committed at that point.
type checkpointPost struct {
	commandCtx                 *CommandContext
	collectCheckpointNotifiers []chan<- error
	finishNotifiers            []*Notifier
}

// uncommittedMessages accumulates everything waiting for the next checkpoint
// boundary: post-processing entries in chronological order, and the write
// batches collected from workers since the last checkpoint.
type uncommittedMessages struct {
	posts   []*checkpointPost
	ssts    []model.SSTableInfo
	workIDs map[model.SSTableID]model.WorkerID
}

func newUncommittedMessages() uncommittedMessages {
	return uncommittedMessages{workIDs: make(map[model.SSTableID]model.WorkerID)}
}

// checkpointControl is the in-memory state machine for all in-flight epochs.
// It is owned exclusively by the coordinator loop.
type checkpointControl struct {
	// commandCtxQueue holds the in-flight and completed barriers in epoch
	// order, oldest first.
	commandCtxQueue []*epochNode

	// The four adjustment sets below record uncommitted structural changes
	// so that actor-info resolution already sees actors a command adds, and
	// still sees actors a command removes, before the change is durable.
	creatingTables map[model.TableID]struct{}
	droppingTables map[model.TableID]struct{}
	addingActors   map[model.ActorID]struct{}
	removingActors map[model.ActorID]struct{}

	uncommitted uncommittedMessages

	// numDistanceCheckpoint counts down the barriers until the next
	// checkpoint; every checkpointFrequency-th barrier is one.
	numDistanceCheckpoint int
	checkpointFrequency   int
}

func newCheckpointControl(checkpointFrequency int) *checkpointControl {
	return &checkpointControl{
		creatingTables:        make(map[model.TableID]struct{}),
		droppingTables:        make(map[model.TableID]struct{}),
		addingActors:          make(map[model.ActorID]struct{}),
		removingActors:        make(map[model.ActorID]struct{}),
		uncommitted:           newUncommittedMessages(),
		numDistanceCheckpoint: checkpointFrequency - 1,
		checkpointFrequency:   checkpointFrequency,
	}
}

// tryGetCheckpoint decides whether the barrier being injected is a
// checkpoint, resetting the countdown when it fires.
func (c *checkpointControl) tryGetCheckpoint() bool {
	if c.numDistanceCheckpoint == 0 {
		c.numDistanceCheckpoint = c.checkpointFrequency - 1
		return true
	}
	c.numDistanceCheckpoint--
	return false
}

// injectCheckpointInNextBarrier forces the very next barrier to be a
// checkpoint regardless of cadence.
func (c *checkpointControl) injectCheckpointInNextBarrier() {
	c.numDistanceCheckpoint = 0
}

// preResolve records the command's additions before actor-info resolution,
// so newly created actors are visible to the barrier introducing them.
// Conflicting concurrent commands on the same id are a bug, not an
// operational fault.
func (c *checkpointControl) preResolve(command Command) {
	changes := command.Changes()
	for _, tableID := range changes.CreateTables {
		if _, ok := c.droppingTables[tableID]; ok {
			log.Panic("conflict table in concurrent checkpoint",
				zap.Int64("tableID", int64(tableID)))
		}
		if _, ok := c.creatingTables[tableID]; ok {
			log.Panic("duplicated table in concurrent checkpoint",
				zap.Int64("tableID", int64(tableID)))
		}
		c.creatingTables[tableID] = struct{}{}
	}
	for actorID := range changes.AddActors {
		if _, ok := c.addingActors[actorID]; ok {
			log.Panic("duplicated actor in concurrent checkpoint",
				zap.Int64("actorID", int64(actorID)))
		}
		c.addingActors[actorID] = struct{}{}
	}
}

// postResolve records the command's removals after actor-info resolution, so
// actors being removed stay visible for the barrier removing them but not
// for any later one.
func (c *checkpointControl) postResolve(command Command) {
	changes := command.Changes()
	for _, tableID := range changes.DropTables {
		if _, ok := c.creatingTables[tableID]; ok {
			log.Panic("conflict table in concurrent checkpoint",
				zap.Int64("tableID", int64(tableID)))
		}
		if _, ok := c.droppingTables[tableID]; ok {
			log.Panic("duplicated table in concurrent checkpoint",
				zap.Int64("tableID", int64(tableID)))
		}
		c.droppingTables[tableID] = struct{}{}
	}
	for actorID := range changes.RemoveActors {
		if _, ok := c.removingActors[actorID]; ok {
			log.Panic("duplicated actor in concurrent checkpoint",
				zap.Int64("actorID", int64(actorID)))
		}
		c.removingActors[actorID] = struct{}{}
	}
}

// canActorSendOrCollect decides barrier visibility for one actor:
// an Inactive actor participates iff it belongs to an in-flight creating
// command, a Running actor participates unless an in-flight command removes
// it.
func (c *checkpointControl) canActorSendOrCollect(
	state model.ActorState, tableID model.TableID, actorID model.ActorID,
) bool {
	_, droppingTable := c.droppingTables[tableID]
	_, removingActor := c.removingActors[actorID]
	removing := droppingTable || removingActor

	_, creatingTable := c.creatingTables[tableID]
	_, addingActor := c.addingActors[actorID]
	adding := creatingTable || addingActor

	switch state {
	case model.ActorStateInactive:
		return adding
	case model.ActorStateRunning:
		return !removing
	default:
		log.Panic("unexpected actor state",
			zap.Int32("state", int32(state)),
			zap.Int64("actorID", int64(actorID)))
		return false
	}
}

// removeChanges folds a committed (or rolled back) command's changes out of
// the adjustment sets. Asymmetric removal indicates a bug.
func (c *checkpointControl) removeChanges(changes Changes) {
	for _, tableID := range changes.CreateTables {
		if _, ok := c.creatingTables[tableID]; !ok {
			log.Panic("removing unknown creating table",
				zap.Int64("tableID", int64(tableID)))
		}
		delete(c.creatingTables, tableID)
	}
	for _, tableID := range changes.DropTables {
		if _, ok := c.droppingTables[tableID]; !ok {
			log.Panic("removing unknown dropping table",
				zap.Int64("tableID", int64(tableID)))
		}
		delete(c.droppingTables, tableID)
	}
	for actorID := range changes.AddActors {
		if _, ok := c.addingActors[actorID]; !ok {
			log.Panic("removing unknown adding actor",
				zap.Int64("actorID", int64(actorID)))
		}
		delete(c.addingActors, actorID)
	}
	for actorID := range changes.RemoveActors {
		if _, ok := c.removingActors[actorID]; !ok {
			log.Panic("removing unknown removing actor",
				zap.Int64("actorID", int64(actorID)))
		}
		delete(c.removingActors, actorID)
	}
}

// inject appends a new in-flight barrier at the tail of the queue.
func (c *checkpointControl) inject(commandCtx *CommandContext, notifiers []*Notifier) {
	c.commandCtxQueue = append(c.commandCtxQueue, &epochNode{
		timer:      prometheus.NewTimer(barrierLatency),
		state:      stateInFlight,
		commandCtx: commandCtx,
		notifiers:  notifiers,
	})
}

// numInFlight returns the count of barriers not yet fully collected.
func (c *checkpointControl) numInFlight() int {
	n := 0
	for _, node := range c.commandCtxQueue {
		if node.state == stateInFlight {
			n++
		}
	}
	return n
}

// canInjectBarrier is the backpressure gate: a new barrier may go out only
// while fewer than maxInFlight barriers are uncollected and no in-flight
// command pauses injection.
func (c *checkpointControl) canInjectBarrier(maxInFlight int) bool {
	if c.numInFlight() >= maxInFlight {
		return false
	}
	shouldPause := false
	if n := len(c.commandCtxQueue); n > 0 {
		shouldPause = c.commandCtxQueue[n-1].commandCtx.Command.ShouldPauseInjectBarrier()
	}
	// If any queued command pauses injection, it must be the last one.
	anyPause := false
	for _, node := range c.commandCtxQueue {
		if node.commandCtx.Command.ShouldPauseInjectBarrier() {
			anyPause = true
			break
		}
	}
	if anyPause != shouldPause {
		log.Panic("pausing command is not the last in-flight barrier")
	}
	return !shouldPause
}

// complete marks the barrier with the given prev epoch as collected and
// removes and returns the longest fully-completed prefix of the queue.
// Barriers complete out of order, but commits happen in epoch order.
func (c *checkpointControl) complete(
	prevEpoch model.Epoch, resps []*model.BarrierCompleteResponse,
) []*epochNode {
	for _, node := range c.commandCtxQueue {
		if node.commandCtx.PrevEpoch != prevEpoch {
			continue
		}
		if node.state != stateInFlight {
			log.Panic("barrier completed twice",
				zap.Uint64("prevEpoch", uint64(prevEpoch)))
		}
		checkpoint := true
		for _, resp := range resps {
			checkpoint = checkpoint && resp.Checkpoint
		}
		node.state = stateCompleted
		node.resps = resps
		node.checkpoint = checkpoint
		node.waitCommitTimer = prometheus.NewTimer(barrierWaitCommitLatency)
		break
	}
	index := len(c.commandCtxQueue)
	for i, node := range c.commandCtxQueue {
		if node.state != stateCompleted {
			index = i
			break
		}
	}
	completed := c.commandCtxQueue[:index]
	c.commandCtxQueue = c.commandCtxQueue[index:]
	return completed
}

// fail drains the whole queue, rolling back every queued command's changes,
// and returns the drained nodes for failure notification.
func (c *checkpointControl) fail() []*epochNode {
	failed := c.commandCtxQueue
	c.commandCtxQueue = nil
	for _, node := range failed {
		c.removeChanges(node.commandCtx.Command.Changes())
	}
	return failed
}

// addUncommittedMessages stages a completed barrier's write batches and
// post-processing until the next checkpoint boundary.
func (c *checkpointControl) addUncommittedMessages(
	resps []*model.BarrierCompleteResponse, post *checkpointPost,
) {
	for _, resp := range resps {
		for _, sst := range resp.SyncedSSTables {
			c.uncommitted.workIDs[sst.ID] = resp.WorkerID
			c.uncommitted.ssts = append(c.uncommitted.ssts, sst)
		}
	}
	c.uncommitted.posts = append(c.uncommitted.posts, post)
}

// uncommittedBatch returns the staged write batches without consuming them.
// They are taken only once commit_epoch has succeeded.
func (c *checkpointControl) uncommittedBatch() ([]model.SSTableInfo, map[model.SSTableID]model.WorkerID) {
	return c.uncommitted.ssts, c.uncommitted.workIDs
}

// restagePosts puts posts back at the front of the staged batch, keeping
// their chronological order. Used when post-processing fails partway so that
// the remaining notifiers stay reachable for the failure path.
func (c *checkpointControl) restagePosts(posts []*checkpointPost) {
	restaged := make([]*checkpointPost, 0, len(posts)+len(c.uncommitted.posts))
	restaged = append(restaged, posts...)
	c.uncommitted.posts = append(restaged, c.uncommitted.posts...)
}

// takeUncommittedMessages consumes everything staged since the last
// checkpoint, in chronological order.
func (c *checkpointControl) takeUncommittedMessages() uncommittedMessages {
	taken := c.uncommitted
	c.uncommitted = newUncommittedMessages()
	return taken
}

// reset clears all transient state. Called by recovery, which rebuilds the
// world from the topology instead.
func (c *checkpointControl) reset() {
	c.commandCtxQueue = nil
	c.creatingTables = make(map[model.TableID]struct{})
	c.droppingTables = make(map[model.TableID]struct{})
	c.addingActors = make(map[model.ActorID]struct{})
	c.removingActors = make(map[model.ActorID]struct{})
	c.uncommitted = newUncommittedMessages()
	c.numDistanceCheckpoint = c.checkpointFrequency - 1
}

// updateBarrierNumsMetrics refreshes the queue-depth gauges.
func (c *checkpointControl) updateBarrierNumsMetrics() {
	inFlightBarrierNumsGauge.Set(float64(c.numInFlight()))
	allBarrierNumsGauge.Set(float64(len(c.commandCtxQueue)))
}
