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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/pingcap/tistream/client"
	"github.com/pingcap/tistream/meta/cluster"
	"github.com/pingcap/tistream/meta/fragment"
	"github.com/pingcap/tistream/meta/metastore"
	"github.com/pingcap/tistream/meta/storage"
	"github.com/pingcap/tistream/model"
	"github.com/pingcap/tistream/pkg/chann"
	"github.com/pingcap/tistream/pkg/config"
	cerror "github.com/pingcap/tistream/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// barrierCompletion is the result of collecting one barrier from every
// worker, funneled from the async collect task back into the loop.
type barrierCompletion struct {
	// incarnation identifies the loop incarnation that spawned the collect
	// task. Completions from before a recovery are stale and dropped.
	incarnation uint64

	prevEpoch model.Epoch
	resps     []*model.BarrierCompleteResponse
	err       error
}

// GlobalBarrierManager periodically injects barriers into the source actors
// of every dataflow, waits for them to sweep through the graph, and commits
// the collected write batches to the storage engine at checkpoint
// boundaries. All structural changes to the stream graph ride on barriers
// scheduled through RunCommand.
//
// The manager is single-threaded: every state transition happens on the Run
// loop, and only barrier collection runs on spawned tasks.
type GlobalBarrierManager struct {
	cfg config.BarrierConfig

	clusterManager  cluster.Manager
	fragmentManager fragment.Manager
	metaStore       metastore.MetaStore
	engine          storage.Engine
	clientPool      *client.StreamClientPool
	clock           clock.Clock

	scheduledBarriers *scheduledBarriers
	control           *checkpointControl
	tracker           *createMviewProgressTracker
	state             *barrierManagerState

	completeCh *chann.Chann[barrierCompletion]
	wg         sync.WaitGroup
	running    atomic.Bool

	// incarnation counts recoveries. Only touched by the Run loop.
	incarnation uint64
}

// New creates a barrier manager. Run must be called exactly once.
func New(
	cfg config.BarrierConfig,
	clusterManager cluster.Manager,
	fragmentManager fragment.Manager,
	metaStore metastore.MetaStore,
	engine storage.Engine,
	clientPool *client.StreamClientPool,
	clk clock.Clock,
) *GlobalBarrierManager {
	return &GlobalBarrierManager{
		cfg:               cfg,
		clusterManager:    clusterManager,
		fragmentManager:   fragmentManager,
		metaStore:         metaStore,
		engine:            engine,
		clientPool:        clientPool,
		clock:             clk,
		scheduledBarriers: newScheduledBarriers(),
		control:           newCheckpointControl(cfg.CheckpointFrequency),
		tracker:           newCreateMviewProgressTracker(),
		completeCh:        chann.New[barrierCompletion](),
	}
}

// Run drives the barrier loop until ctx is canceled. It starts with a
// bootstrap recovery so that workers left over from a previous incarnation
// are reset before the first barrier goes out.
func (m *GlobalBarrierManager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		log.Panic("barrier manager is already running")
	}
	defer func() {
		m.scheduledBarriers.abort()
		m.wg.Wait()
		m.completeCh.Close()
		for range m.completeCh.Out() {
		}
	}()

	state, err := loadBarrierManagerState(ctx, m.metaStore)
	if err != nil {
		return errors.Trace(err)
	}
	m.state = state
	log.Info("global barrier manager starting",
		zap.Uint64("inFlightPrevEpoch", uint64(state.inFlightPrevEpoch)),
		zap.Duration("interval", m.cfg.Interval.Duration()),
		zap.Int("checkpointFrequency", m.cfg.CheckpointFrequency))

	// Workers may still hold actors from a previous meta incarnation.
	if err := m.doRecovery(ctx, nil); err != nil {
		return errors.Trace(err)
	}

	for {
		err := m.runLoop(ctx)
		if errors.Cause(err) == context.Canceled || ctx.Err() != nil {
			log.Info("global barrier manager exits")
			return nil
		}
		if err := m.doRecovery(ctx, err); err != nil {
			return errors.Trace(err)
		}
	}
}

// runLoop is one incarnation of the barrier loop. It returns a non-context
// error when a barrier fails to inject, collect or commit, at which point
// the caller runs recovery and starts a fresh incarnation.
func (m *GlobalBarrierManager) runLoop(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.Interval.Duration())
	defer ticker.Stop()

	for {
		// Injection arms stay disabled while the in-flight limit is reached
		// or an in-flight command pauses injection; completions still drain.
		var tickC <-chan time.Time
		var scheduledC <-chan struct{}
		if m.control.canInjectBarrier(m.cfg.InFlightBarrierNums) {
			tickC = ticker.C
			scheduledC = m.scheduledBarriers.waitCh()
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case completion := <-m.completeCh.Out():
			if err := m.handleBarrierCompletion(ctx, completion); err != nil {
				return errors.Trace(err)
			}
		case <-tickC:
			if err := m.handleNewBarrier(ctx); err != nil {
				return errors.Trace(err)
			}
		case <-scheduledC:
			if err := m.handleNewBarrier(ctx); err != nil {
				return errors.Trace(err)
			}
			// Restart the interval from this barrier.
			ticker.Reset(m.cfg.Interval.Duration())
		}
		m.control.updateBarrierNumsMetrics()
	}
}

// handleNewBarrier injects the next barrier, carrying the front scheduled
// command if any.
func (m *GlobalBarrierManager) handleNewBarrier(ctx context.Context) error {
	next := m.scheduledBarriers.popOrDefault()

	info, err := m.resolveActorInfo(ctx, next.command)
	if err != nil {
		return errors.Trace(err)
	}
	if info.nothingToDo() {
		if plain, ok := next.command.(*PlainCommand); ok && plain.Mutation == nil {
			// An idle cluster consumes no epochs; waiters have nothing to
			// wait for either.
			for _, notifier := range next.notifiers {
				notifier.notifyToSend()
				notifier.notifyCollectedNoCheckpoint()
				if ch := notifier.takeCollectedCheckpoint(); ch != nil {
					ch <- nil
				}
				notifier.notifyFinished()
			}
			return nil
		}
	}

	checkpoint := m.control.tryGetCheckpoint()
	if _, plain := next.command.(*PlainCommand); !plain {
		// A structural command must become durable promptly, so the barrier
		// right after it is promoted to a checkpoint.
		m.control.injectCheckpointInNextBarrier()
	}

	prevEpoch := m.state.inFlightPrevEpoch
	currEpoch := prevEpoch.Next()
	// Persist the epoch before any worker sees it, so a restarted meta node
	// never reuses an epoch that may be in flight.
	if err := m.state.update(ctx, m.metaStore, currEpoch); err != nil {
		return errors.Trace(err)
	}

	commandCtx := newCommandContext(
		m.fragmentManager, info, prevEpoch, currEpoch, next.command, checkpoint)
	m.control.inject(commandCtx, next.notifiers)

	if err := m.injectBarrier(ctx, commandCtx); err != nil {
		return errors.Trace(err)
	}
	for _, notifier := range next.notifiers {
		notifier.notifyToSend()
	}

	m.wg.Add(1)
	incarnation := m.incarnation
	go func() {
		defer m.wg.Done()
		resps, err := m.collectBarrier(ctx, commandCtx)
		m.completeCh.In() <- barrierCompletion{
			incarnation: incarnation,
			prevEpoch:   commandCtx.PrevEpoch,
			resps:       resps,
			err:         err,
		}
	}()
	return nil
}

// resolveActorInfo computes the audience of the next barrier, making the
// command's uncommitted additions visible before resolution and its removals
// visible after.
func (m *GlobalBarrierManager) resolveActorInfo(
	ctx context.Context, command Command,
) (*BarrierActorInfo, error) {
	m.control.preResolve(command)
	nodes, err := m.clusterManager.ListWorkerNodes(
		ctx, model.WorkerTypeCompute, model.WorkerStateRunning)
	if err != nil {
		return nil, errors.Trace(err)
	}
	infos, err := m.fragmentManager.LoadAllActors(ctx, m.control.canActorSendOrCollect)
	if err != nil {
		return nil, errors.Trace(err)
	}
	info := resolveBarrierActorInfo(nodes, infos)
	m.control.postResolve(command)
	return info, nil
}

// injectBarrier sends the barrier to every worker with actors to collect,
// in parallel, and returns once all of them have injected it.
func (m *GlobalBarrierManager) injectBarrier(
	ctx context.Context, commandCtx *CommandContext,
) error {
	failpoint.Inject("InjectBarrierErr", func() {
		failpoint.Return(cerror.ErrInjectBarrier.GenWithStackByArgs())
	})
	mutation, err := commandCtx.ToMutation()
	if err != nil {
		return errors.Trace(err)
	}
	barrier := &model.Barrier{
		Epoch: model.EpochPair{
			Prev: commandCtx.PrevEpoch,
			Curr: commandCtx.CurrEpoch,
		},
		Mutation:   mutation,
		Checkpoint: commandCtx.Checkpoint,
	}

	timer := prometheus.NewTimer(barrierSendLatency)
	defer timer.ObserveDuration()

	eg, egCtx := errgroup.WithContext(ctx)
	for workerID, node := range commandCtx.Info.NodeMap {
		actorIDsToCollect := commandCtx.Info.actorIDsToCollect(workerID)
		if len(actorIDsToCollect) == 0 {
			// No need to inject or collect barrier on this worker.
			continue
		}
		req := &model.InjectBarrierRequest{
			RequestID:         uuid.NewString(),
			Barrier:           barrier,
			ActorIDsToSend:    commandCtx.Info.actorIDsToSend(workerID),
			ActorIDsToCollect: actorIDsToCollect,
		}
		node := node
		eg.Go(func() error {
			cli, err := m.clientPool.Get(egCtx, node)
			if err != nil {
				return errors.Trace(err)
			}
			if _, err := cli.InjectBarrier(egCtx, req); err != nil {
				m.clientPool.Invalidate(node.Address)
				return cerror.WrapError(cerror.ErrInjectBarrier, err)
			}
			return nil
		})
	}
	return errors.Trace(eg.Wait())
}

// collectBarrier waits for every participating worker to report the barrier
// collected and gathers their responses.
func (m *GlobalBarrierManager) collectBarrier(
	ctx context.Context, commandCtx *CommandContext,
) ([]*model.BarrierCompleteResponse, error) {
	var (
		mu    sync.Mutex
		resps []*model.BarrierCompleteResponse
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for workerID, node := range commandCtx.Info.NodeMap {
		if len(commandCtx.Info.actorIDsToCollect(workerID)) == 0 {
			continue
		}
		req := &model.BarrierCompleteRequest{
			RequestID: uuid.NewString(),
			PrevEpoch: commandCtx.PrevEpoch,
		}
		node := node
		eg.Go(func() error {
			cli, err := m.clientPool.Get(egCtx, node)
			if err != nil {
				return errors.Trace(err)
			}
			resp, err := cli.BarrierComplete(egCtx, req)
			if err != nil {
				m.clientPool.Invalidate(node.Address)
				return cerror.WrapError(cerror.ErrCollectBarrier, err)
			}
			mu.Lock()
			resps = append(resps, resp)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, errors.Trace(err)
	}
	return resps, nil
}

// handleBarrierCompletion folds one collection result into the queue and
// commits every barrier whose predecessors have all completed.
func (m *GlobalBarrierManager) handleBarrierCompletion(
	ctx context.Context, completion barrierCompletion,
) error {
	if completion.incarnation != m.incarnation {
		// A leftover collect task from before the last recovery.
		return nil
	}
	if completion.err != nil {
		return errors.Trace(completion.err)
	}
	nodes := m.control.complete(completion.prevEpoch, completion.resps)
	for i, node := range nodes {
		if err := m.completeBarrier(ctx, node); err != nil {
			// The drained nodes are no longer in the queue, so recovery
			// cannot see them; the whole remaining prefix fails as one
			// batch here.
			for _, failed := range nodes[i:] {
				for _, notifier := range failed.notifiers {
					notifier.notifyFailed(err)
				}
			}
			return errors.Trace(err)
		}
	}
	return nil
}

// completeBarrier finishes one collected barrier in epoch order: it fires
// collection notifiers, folds backfill progress, stages checkpoint-bound
// work, and on a checkpoint barrier commits everything staged since the
// last one.
func (m *GlobalBarrierManager) completeBarrier(ctx context.Context, node *epochNode) error {
	for _, notifier := range node.notifiers {
		notifier.notifyCollectedNoCheckpoint()
	}
	var checkpointNotifiers []chan<- error
	for _, notifier := range node.notifiers {
		if ch := notifier.takeCollectedCheckpoint(); ch != nil {
			checkpointNotifiers = append(checkpointNotifiers, ch)
		}
	}

	finishNotifiers := m.tracker.add(
		node.commandCtx.CurrEpoch, node.commandCtx.actorsToTrack(), node.notifiers)
	for _, resp := range node.resps {
		for _, progress := range resp.CreateMviewProgress {
			finishNotifiers = append(finishNotifiers, m.tracker.update(progress)...)
		}
	}

	if (len(finishNotifiers) > 0 || len(checkpointNotifiers) > 0) && !node.checkpoint {
		// Someone is waiting for durability; do not make them wait a full
		// checkpoint period for it.
		m.control.injectCheckpointInNextBarrier()
	}

	m.control.addUncommittedMessages(node.resps, &checkpointPost{
		commandCtx:                 node.commandCtx,
		collectCheckpointNotifiers: checkpointNotifiers,
		finishNotifiers:            finishNotifiers,
	})

	if node.checkpoint {
		if err := m.commitCheckpoint(ctx, node.commandCtx.PrevEpoch); err != nil {
			return errors.Trace(err)
		}
	} else if node.commandCtx.PrevEpoch != model.InvalidEpoch {
		if err := m.engine.UpdateCurrentEpoch(ctx, node.commandCtx.PrevEpoch); err != nil {
			return errors.Trace(err)
		}
	}

	node.timer.ObserveDuration()
	node.waitCommitTimer.ObserveDuration()
	return nil
}

// commitCheckpoint makes every epoch up to prevEpoch durable and then runs
// the deferred post-processing of all barriers staged since the previous
// checkpoint, oldest first.
func (m *GlobalBarrierManager) commitCheckpoint(
	ctx context.Context, prevEpoch model.Epoch,
) error {
	failpoint.Inject("CommitEpochErr", func() {
		failpoint.Return(cerror.ErrCommitEpoch.GenWithStackByArgs())
	})
	ssts, workIDs := m.control.uncommittedBatch()
	if prevEpoch != model.InvalidEpoch {
		if err := m.engine.CommitEpoch(ctx, prevEpoch, ssts, workIDs); err != nil {
			return cerror.WrapError(cerror.ErrCommitEpoch, err)
		}
	}
	log.Info("checkpoint committed",
		zap.Uint64("epoch", uint64(prevEpoch)),
		zap.Int("sstables", len(ssts)))

	msgs := m.control.takeUncommittedMessages()
	for i, post := range msgs.posts {
		m.control.removeChanges(post.commandCtx.Command.Changes())
		if err := post.commandCtx.postCollect(ctx); err != nil {
			// Re-stage the unprocessed posts so that the recovery failure
			// path still finds and fails their notifiers.
			m.control.restagePosts(msgs.posts[i:])
			return errors.Trace(err)
		}
		for _, ch := range post.collectCheckpointNotifiers {
			ch <- nil
		}
		for _, notifier := range post.finishNotifiers {
			notifier.notifyFinished()
		}
	}
	return nil
}

// pinSnapshotForCreates pins a storage snapshot when any of the commands
// creates a streaming job, so its backfill reads a version that compaction
// cannot reclaim. The returned release function is always safe to call.
func (m *GlobalBarrierManager) pinSnapshotForCreates(
	ctx context.Context, commands ...Command,
) (func(), error) {
	creating := false
	for _, command := range commands {
		if _, ok := command.(*CreateStreamingJob); ok {
			creating = true
			break
		}
	}
	if !creating {
		return func() {}, nil
	}
	if _, err := m.engine.PinSnapshot(ctx, model.MetaNodeID); err != nil {
		return nil, errors.Trace(err)
	}
	return func() {
		if err := m.engine.UnpinSnapshot(ctx, model.MetaNodeID); err != nil {
			log.Warn("unpin snapshot failed", zap.Error(err))
		}
	}, nil
}

// RunCommand schedules the command onto the next barrier and blocks until
// its effects, including any backfill it starts, are durably committed.
func (m *GlobalBarrierManager) RunCommand(ctx context.Context, command Command) error {
	unpin, err := m.pinSnapshotForCreates(ctx, command)
	if err != nil {
		return errors.Trace(err)
	}
	defer unpin()

	finishedCh := make(chan error, 1)
	m.scheduledBarriers.push(scheduled{
		command:   command,
		notifiers: []*Notifier{{Finished: finishedCh}},
	})
	select {
	case err := <-finishedCh:
		return errors.Trace(err)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// RunMultipleCommands schedules the commands back to back, each on its own
// barrier, and waits for all of them to finish.
func (m *GlobalBarrierManager) RunMultipleCommands(ctx context.Context, commands []Command) error {
	unpin, err := m.pinSnapshotForCreates(ctx, commands...)
	if err != nil {
		return errors.Trace(err)
	}
	defer unpin()

	scheduleds := make([]scheduled, 0, len(commands))
	finishedChs := make([]chan error, 0, len(commands))
	for _, command := range commands {
		finishedCh := make(chan error, 1)
		finishedChs = append(finishedChs, finishedCh)
		scheduleds = append(scheduleds, scheduled{
			command:   command,
			notifiers: []*Notifier{{Finished: finishedCh}},
		})
	}
	m.scheduledBarriers.push(scheduleds...)
	for _, finishedCh := range finishedChs {
		select {
		case err := <-finishedCh:
			if err != nil {
				return errors.Trace(err)
			}
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
	return nil
}

// Flush waits for the next barrier like WaitForNextBarrierToCollect and then
// returns the storage engine's snapshot, so the caller observes a
// committed epoch at least as new as all data produced before the call.
func (m *GlobalBarrierManager) Flush(ctx context.Context, checkpoint bool) (model.Snapshot, error) {
	if err := m.WaitForNextBarrierToCollect(ctx, checkpoint); err != nil {
		return model.Snapshot{}, errors.Trace(err)
	}
	return m.engine.GetLastEpoch(ctx)
}

// WaitForNextBarrierToCollect blocks until the next barrier has been
// collected from every worker. With checkpoint set, it instead waits until
// the next checkpoint barrier's effects are durably committed.
func (m *GlobalBarrierManager) WaitForNextBarrierToCollect(ctx context.Context, checkpoint bool) error {
	collectedCh := make(chan error, 1)
	notifier := &Notifier{}
	if checkpoint {
		notifier.CollectedCheckpoint = collectedCh
	} else {
		notifier.CollectedNoCheckpoint = collectedCh
	}
	m.scheduledBarriers.attachNotifiers(notifier)
	select {
	case err := <-collectedCh:
		return errors.Trace(err)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}
