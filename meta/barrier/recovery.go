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
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/tistream/model"
	cerror "github.com/pingcap/tistream/pkg/errors"
	"github.com/pingcap/tistream/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	recoveryBackoffBaseInMs = 100
	recoveryBackoffMaxInMs  = 10000
)

// doRecovery aborts everything in flight, failing every outstanding waiter,
// and then resets the whole cluster to a consistent state: all actors are
// force-stopped and a fresh initial checkpoint barrier re-seeds the stream
// graph. Retries forever until the cluster is healthy again or ctx is
// canceled.
//
// A nil cause means bootstrap recovery on startup, which runs even when
// nothing failed because workers may hold actors from a previous meta
// incarnation.
func (m *GlobalBarrierManager) doRecovery(ctx context.Context, cause error) error {
	if cause != nil {
		if !m.cfg.EnableRecovery {
			log.Panic("barrier manager failed and recovery is disabled", zap.Error(cause))
		}
		log.Warn("barrier manager failed, starting recovery", zap.Error(cause))
	}

	m.failInFlight(cause)
	m.incarnation++

	start := m.clock.Now()
	err := retry.Do(ctx, func() error {
		if err := m.recoveryAttempt(ctx); err != nil {
			log.Warn("recovery attempt failed, retrying", zap.Error(err))
			return err
		}
		return nil
	},
		retry.WithBackoffBaseDelay(recoveryBackoffBaseInMs),
		retry.WithBackoffMaxDelay(recoveryBackoffMaxInMs),
		retry.WithInfiniteTries(),
	)
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("recovery success",
		zap.Duration("elapsed", m.clock.Since(start)),
		zap.Uint64("inFlightPrevEpoch", uint64(m.state.inFlightPrevEpoch)))
	return nil
}

// failInFlight fires the failure cause at every notifier the manager still
// holds: queued commands, in-flight barriers, staged checkpoint posts and
// tracked backfills. Afterwards no waiter from before the failure remains.
func (m *GlobalBarrierManager) failInFlight(cause error) {
	if cause == nil {
		cause = cerror.ErrBarrierManagerClosed.GenWithStackByArgs()
	}
	for _, node := range m.control.fail() {
		for _, notifier := range node.notifiers {
			notifier.notifyFailed(cause)
		}
	}
	staged := m.control.takeUncommittedMessages()
	for _, post := range staged.posts {
		for _, ch := range post.collectCheckpointNotifiers {
			ch <- cause
		}
		for _, notifier := range post.finishNotifiers {
			notifier.notifyFailed(cause)
		}
	}
	for _, notifier := range m.tracker.takeAll() {
		notifier.notifyFailed(cause)
	}
	m.control.reset()
}

// recoveryAttempt is one try at resetting the cluster. Every step must be
// idempotent because any of them can fail and be rerun.
func (m *GlobalBarrierManager) recoveryAttempt(ctx context.Context) error {
	// Resolve the topology with no in-flight adjustments: only committed,
	// running actors survive a recovery.
	nodes, err := m.clusterManager.ListWorkerNodes(
		ctx, model.WorkerTypeCompute, model.WorkerStateRunning)
	if err != nil {
		return errors.Trace(err)
	}
	infos, err := m.fragmentManager.LoadAllActors(ctx,
		func(state model.ActorState, _ model.TableID, _ model.ActorID) bool {
			return state == model.ActorStateRunning
		})
	if err != nil {
		return errors.Trace(err)
	}
	info := resolveBarrierActorInfo(nodes, infos)

	if err := m.forceStopActors(ctx, info); err != nil {
		return errors.Trace(err)
	}

	prevEpoch := m.state.inFlightPrevEpoch
	currEpoch := prevEpoch.Next()
	if err := m.state.update(ctx, m.metaStore, currEpoch); err != nil {
		return errors.Trace(err)
	}

	// The initial barrier re-seeds every actor with a consistent epoch and
	// is collected synchronously before normal operation resumes.
	commandCtx := newCommandContext(
		m.fragmentManager, info, prevEpoch, currEpoch, &PlainCommand{}, true)
	if err := m.injectBarrier(ctx, commandCtx); err != nil {
		return errors.Trace(err)
	}
	if _, err := m.collectBarrier(ctx, commandCtx); err != nil {
		return errors.Trace(err)
	}

	// Rebuild backfill tracking from the topology, covering only jobs whose
	// creating command is committed. A job that is registered but not
	// created yet starts tracking on its own creating barrier, and jobs
	// that already finished clear themselves on the first done report from
	// their workers.
	tables, err := m.fragmentManager.ListTableFragments(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	m.tracker = newCreateMviewProgressTracker()
	for _, tf := range tables {
		m.tracker.add(currEpoch, tf.RunningBackfillActorIDs(), nil)
	}
	return nil
}

// forceStopActors tells every live worker to abort all running actors and
// drop its local barrier state.
func (m *GlobalBarrierManager) forceStopActors(
	ctx context.Context, info *BarrierActorInfo,
) error {
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	eg, egCtx := errgroup.WithContext(stopCtx)
	for _, node := range info.NodeMap {
		req := &model.ForceStopActorsRequest{
			RequestID: uuid.NewString(),
			PrevEpoch: m.state.inFlightPrevEpoch,
		}
		node := node
		eg.Go(func() error {
			cli, err := m.clientPool.Get(egCtx, node)
			if err != nil {
				return errors.Trace(err)
			}
			if _, err := cli.ForceStopActors(egCtx, req); err != nil {
				m.clientPool.Invalidate(node.Address)
				return errors.Trace(err)
			}
			return nil
		})
	}
	return errors.Trace(eg.Wait())
}
