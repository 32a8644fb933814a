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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/tistream/client"
	"github.com/pingcap/tistream/meta/cluster"
	"github.com/pingcap/tistream/meta/fragment"
	"github.com/pingcap/tistream/meta/metastore"
	"github.com/pingcap/tistream/meta/storage"
	"github.com/pingcap/tistream/model"
	"github.com/pingcap/tistream/pkg/config"
	"github.com/stretchr/testify/require"
)

// mockWorker stands in for a compute node's stream service. It acknowledges
// barriers immediately, echoing the checkpoint flag, and can be told to fail
// an injection or to report backfill progress.
type mockWorker struct {
	id model.WorkerID

	mu           sync.Mutex
	barriers     map[model.Epoch]*model.Barrier
	epochs       []model.EpochPair
	mutations    []*model.Mutation
	backfillDone map[model.ActorID]struct{}
	pendingSSTs  []model.SSTableInfo
	injectErr    error
	forceStops   int
}

func newMockWorker(id model.WorkerID) *mockWorker {
	return &mockWorker{
		id:           id,
		barriers:     make(map[model.Epoch]*model.Barrier),
		backfillDone: make(map[model.ActorID]struct{}),
	}
}

func (w *mockWorker) InjectBarrier(
	_ context.Context, req *model.InjectBarrierRequest,
) (*model.InjectBarrierResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.injectErr != nil {
		err := w.injectErr
		w.injectErr = nil
		return nil, err
	}
	w.barriers[req.Barrier.Epoch.Prev] = req.Barrier
	w.epochs = append(w.epochs, req.Barrier.Epoch)
	if req.Barrier.Mutation != nil {
		w.mutations = append(w.mutations, req.Barrier.Mutation)
	}
	return &model.InjectBarrierResponse{RequestID: req.RequestID}, nil
}

func (w *mockWorker) BarrierComplete(
	_ context.Context, req *model.BarrierCompleteRequest,
) (*model.BarrierCompleteResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	barrier, ok := w.barriers[req.PrevEpoch]
	if !ok {
		return nil, errors.Errorf("unknown barrier with prev epoch %d", req.PrevEpoch)
	}
	resp := &model.BarrierCompleteResponse{
		RequestID:  req.RequestID,
		WorkerID:   w.id,
		Checkpoint: barrier.Checkpoint,
	}
	if barrier.Checkpoint {
		resp.SyncedSSTables = w.pendingSSTs
		w.pendingSSTs = nil
	}
	for actorID := range w.backfillDone {
		resp.CreateMviewProgress = append(resp.CreateMviewProgress,
			&model.CreateMviewProgress{
				BackfillActorID: actorID,
				Done:            true,
				ConsumedEpoch:   req.PrevEpoch,
			})
	}
	return resp, nil
}

func (w *mockWorker) ForceStopActors(
	_ context.Context, req *model.ForceStopActorsRequest,
) (*model.ForceStopActorsResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.forceStops++
	w.barriers = make(map[model.Epoch]*model.Barrier)
	return &model.ForceStopActorsResponse{RequestID: req.RequestID}, nil
}

func (w *mockWorker) failNextInject(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.injectErr = err
}

func (w *mockWorker) markBackfillDone(actorIDs ...model.ActorID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range actorIDs {
		w.backfillDone[id] = struct{}{}
	}
}

func (w *mockWorker) forceStopCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.forceStops
}

func (w *mockWorker) injectedEpochs() []model.EpochPair {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.EpochPair(nil), w.epochs...)
}

func (w *mockWorker) injectedMutations() []*model.Mutation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*model.Mutation(nil), w.mutations...)
}

type testEnv struct {
	t *testing.T

	registry  *cluster.Registry
	fragments *fragment.LocalManager
	engine    *storage.LocalEngine
	manager   *GlobalBarrierManager
	workers   map[model.WorkerID]*mockWorker

	cancel context.CancelFunc
	done   chan error
}

func newTestEnv(t *testing.T, cfg config.BarrierConfig, workerIDs ...model.WorkerID) *testEnv {
	env := &testEnv{
		t:         t,
		registry:  cluster.NewRegistry(),
		fragments: fragment.NewLocalManager(),
		engine:    storage.NewLocalEngine(),
		workers:   make(map[model.WorkerID]*mockWorker),
		done:      make(chan error, 1),
	}
	byAddr := make(map[string]*mockWorker)
	for _, id := range workerIDs {
		addr := fmt.Sprintf("worker-%d", id)
		worker := newMockWorker(id)
		env.workers[id] = worker
		byAddr[addr] = worker
		env.registry.Register(&model.WorkerNode{
			ID:      id,
			Type:    model.WorkerTypeCompute,
			Address: addr,
			State:   model.WorkerStateRunning,
		})
	}
	pool := client.NewStreamClientPoolWithFactory(
		func(_ context.Context, addr string) (client.StreamClient, error) {
			worker, ok := byAddr[addr]
			if !ok {
				return nil, errors.Errorf("unknown worker address %s", addr)
			}
			return worker, nil
		})
	env.manager = New(cfg, env.registry, env.fragments, metastore.NewMemStore(),
		env.engine, pool, clock.New())
	return env
}

func testBarrierConfig() config.BarrierConfig {
	return config.BarrierConfig{
		Interval:            config.TomlDuration(10 * time.Millisecond),
		CheckpointFrequency: 3,
		InFlightBarrierNums: 40,
		EnableRecovery:      true,
	}
}

func (e *testEnv) start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		e.done <- e.manager.Run(ctx)
	}()
}

func (e *testEnv) stop() {
	e.cancel()
	select {
	case err := <-e.done:
		require.NoError(e.t, err)
	case <-time.After(5 * time.Second):
		e.t.Fatal("barrier manager did not stop")
	}
}

func (e *testEnv) committedEpoch() model.Epoch {
	snapshot, err := e.engine.GetLastEpoch(context.Background())
	require.NoError(e.t, err)
	return snapshot.CommittedEpoch
}

// runningTable registers a committed source table with all actors Running on
// the given worker.
func (e *testEnv) runningTable(
	tableID model.TableID, workerID model.WorkerID, actorIDs ...model.ActorID,
) {
	actors := make([]*model.Actor, 0, len(actorIDs))
	for _, id := range actorIDs {
		actors = append(actors, &model.Actor{
			ID: id, WorkerID: workerID, State: model.ActorStateRunning,
		})
	}
	fragmentID := model.FragmentID(tableID * 100)
	err := e.fragments.CreateTableFragments(context.Background(), &model.TableFragments{
		TableID: tableID,
		Fragments: map[model.FragmentID]*model.Fragment{
			fragmentID: {
				ID:       fragmentID,
				TypeFlag: model.FragmentTypeSource,
				Actors:   actors,
			},
		},
	})
	require.NoError(e.t, err)
}

func TestBarrierLoopCommitsCheckpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11, 12)
	env.start()
	defer env.stop()

	require.Eventually(t, func() bool {
		return env.committedEpoch() != model.InvalidEpoch
	}, 5*time.Second, 10*time.Millisecond)

	epochs := env.workers[1].injectedEpochs()
	require.NotEmpty(t, epochs)
	for i := 1; i < len(epochs); i++ {
		// The curr epoch of barrier n is the prev epoch of barrier n+1.
		require.Equal(t, epochs[i-1].Curr, epochs[i].Prev)
		require.Greater(t, epochs[i].Curr, epochs[i].Prev)
	}
}

func TestBootstrapRecoveryForceStopsWorkers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1, 2)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	require.Eventually(t, func() bool {
		return env.workers[1].forceStopCount() >= 1 &&
			env.workers[2].forceStopCount() >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFlush(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	epochBefore := env.committedEpoch()
	snapshot, err := env.manager.Flush(ctx, true)
	require.NoError(t, err)
	require.NotEqual(t, model.InvalidEpoch, snapshot.CommittedEpoch)
	require.GreaterOrEqual(t, snapshot.CommittedEpoch, epochBefore)
}

func TestFlushOnIdleCluster(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.start()
	defer env.stop()

	// With no actors there is nothing to flush; it must still return.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.manager.Flush(ctx, true)
	require.NoError(t, err)
}

func TestWaitForNextBarrierToCollect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.manager.WaitForNextBarrierToCollect(ctx, false))
	require.NoError(t, env.manager.WaitForNextBarrierToCollect(ctx, true))
}

func TestRunCommandPauseResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.manager.RunCommand(ctx, &PauseCommand{}))
	require.NoError(t, env.manager.RunCommand(ctx, &ResumeCommand{}))

	var sawPause, sawResume bool
	for _, mutation := range env.workers[1].injectedMutations() {
		sawPause = sawPause || mutation.Pause
		sawResume = sawResume || mutation.Resume
	}
	require.True(t, sawPause)
	require.True(t, sawResume)
}

func TestRunCommandCreateStreamingJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	tf := &model.TableFragments{
		TableID: 2,
		Fragments: map[model.FragmentID]*model.Fragment{
			200: {
				ID:       200,
				TypeFlag: model.FragmentTypeSource,
				Actors: []*model.Actor{
					{ID: 21, WorkerID: 1, State: model.ActorStateInactive},
				},
			},
			201: {
				ID:       201,
				TypeFlag: model.FragmentTypeBackfill,
				Actors: []*model.Actor{
					{ID: 22, WorkerID: 1, State: model.ActorStateInactive},
				},
			},
		},
	}
	require.NoError(t, env.fragments.CreateTableFragments(context.Background(), tf))
	env.workers[1].markBackfillDone(22)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.manager.RunCommand(ctx, &CreateStreamingJob{Fragments: tf}))

	// The committed command flips the job's actors to Running.
	infos, err := env.fragments.LoadAllActors(ctx,
		func(state model.ActorState, _ model.TableID, _ model.ActorID) bool {
			return state == model.ActorStateRunning
		})
	require.NoError(t, err)
	require.Contains(t, infos.ActorMaps[1], model.ActorID(21))
	require.Contains(t, infos.ActorMaps[1], model.ActorID(22))

	// The new actors were announced to the workers on the creating barrier.
	var sawAdd bool
	for _, mutation := range env.workers[1].injectedMutations() {
		sawAdd = sawAdd || mutation.Add != nil
	}
	require.True(t, sawAdd)
}

func TestRunCommandDropStreamingJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.runningTable(2, 1, 21)
	env.start()
	defer env.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tfs, err := env.fragments.ListTableFragments(ctx)
	require.NoError(t, err)
	var target *model.TableFragments
	for _, tf := range tfs {
		if tf.TableID == 2 {
			target = tf
		}
	}
	require.NotNil(t, target)

	require.NoError(t, env.manager.RunCommand(ctx,
		&DropStreamingJobs{Tables: []*model.TableFragments{target}}))

	tfs, err = env.fragments.ListTableFragments(ctx)
	require.NoError(t, err)
	require.Len(t, tfs, 1)
	require.Equal(t, model.TableID(1), tfs[0].TableID)
}

func TestRunMultipleCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	commands := []Command{
		&SourceSplitAssignment{Splits: map[model.ActorID][]model.SourceSplit{
			11: {{SplitID: "split-1"}},
		}},
		&SourceSplitAssignment{Splits: map[model.ActorID][]model.SourceSplit{
			11: {{SplitID: "split-2"}},
		}},
	}
	require.NoError(t, env.manager.RunMultipleCommands(ctx, commands))
}

func TestRecoveryOnInjectFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	require.Eventually(t, func() bool {
		return env.committedEpoch() != model.InvalidEpoch
	}, 5*time.Second, 10*time.Millisecond)
	stopsBefore := env.workers[1].forceStopCount()
	epochBefore := env.committedEpoch()

	env.workers[1].failNextInject(errors.New("worker lost"))

	// Recovery force-stops the worker and the loop keeps committing after.
	require.Eventually(t, func() bool {
		return env.workers[1].forceStopCount() > stopsBefore
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.committedEpoch() > epochBefore
	}, 5*time.Second, 10*time.Millisecond)
}

// failingCommitEngine wraps an engine and fails every CommitEpoch call.
type failingCommitEngine struct {
	storage.Engine
	commitErr error
}

func (e *failingCommitEngine) CommitEpoch(
	ctx context.Context, epoch model.Epoch, ssts []model.SSTableInfo,
	workIDs map[model.SSTableID]model.WorkerID,
) error {
	return e.commitErr
}

func newUnitManager(
	fragments fragment.Manager, engine storage.Engine,
) *GlobalBarrierManager {
	return New(testBarrierConfig(), cluster.NewRegistry(), fragments,
		metastore.NewMemStore(), engine, client.NewStreamClientPool(), clock.New())
}

func TestFailedCommitFailsDrainedBarriers(t *testing.T) {
	t.Parallel()

	engine := &failingCommitEngine{
		Engine:    storage.NewLocalEngine(),
		commitErr: errors.New("storage unavailable"),
	}
	m := newUnitManager(fragment.NewLocalManager(), engine)
	defer func() {
		m.completeCh.Close()
		for range m.completeCh.Out() {
		}
	}()

	firstCh := make(chan error, 1)
	secondCh := make(chan error, 1)
	m.control.inject(newCommandContext(nil, nil, 1, 2, &PlainCommand{}, true),
		[]*Notifier{{Finished: firstCh}})
	m.control.inject(newCommandContext(nil, nil, 2, 3, &PlainCommand{}, false),
		[]*Notifier{{Finished: secondCh}})

	// The second barrier completes first; nothing commits until the first
	// does.
	require.Empty(t, m.control.complete(2, nil))

	// Completing the first barrier drains both nodes and fails on commit.
	// Both waiters must learn about the failure, or they would hang across
	// the recovery that follows.
	err := m.handleBarrierCompletion(context.Background(),
		barrierCompletion{prevEpoch: 1})
	require.Error(t, err)
	require.Error(t, <-firstCh)
	require.Error(t, <-secondCh)
}

// failingFragmentManager wraps a manager and fails job creation commits.
type failingFragmentManager struct {
	fragment.Manager
	markErr error
}

func (f *failingFragmentManager) MarkTableFragmentsCreated(
	ctx context.Context, tableID model.TableID,
) error {
	return f.markErr
}

func TestPostCollectFailureKeepsStagedNotifiers(t *testing.T) {
	t.Parallel()

	fm := &failingFragmentManager{
		Manager: fragment.NewLocalManager(),
		markErr: errors.New("topology unavailable"),
	}
	m := newUnitManager(fm, storage.NewLocalEngine())
	defer func() {
		m.completeCh.Close()
		for range m.completeCh.Out() {
		}
	}()

	create := &CreateStreamingJob{Fragments: &model.TableFragments{TableID: 7}}
	m.control.preResolve(create)
	m.control.addUncommittedMessages(nil, &checkpointPost{
		commandCtx: newCommandContext(fm, nil, 1, 2, create, true),
	})
	finishedCh := make(chan error, 1)
	m.control.addUncommittedMessages(nil, &checkpointPost{
		commandCtx:      newCommandContext(fm, nil, 2, 3, &PlainCommand{}, true),
		finishNotifiers: []*Notifier{{Finished: finishedCh}},
	})

	require.Error(t, m.commitCheckpoint(context.Background(), 2))

	// The posts behind the failed one must still be staged, so the failure
	// path finds and fails their notifiers instead of dropping them.
	m.failInFlight(errors.New("recovering"))
	require.Error(t, <-finishedCh)
}

func TestCreateStreamingJobAfterBootstrapRecovery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)

	// The job is registered before the manager boots, so bootstrap recovery
	// sees its Inactive actors in the topology. Tracking its backfill must
	// start on the creating barrier, not during recovery.
	tf := &model.TableFragments{
		TableID: 3,
		Fragments: map[model.FragmentID]*model.Fragment{
			300: {
				ID:       300,
				TypeFlag: model.FragmentTypeSource,
				Actors: []*model.Actor{
					{ID: 31, WorkerID: 1, State: model.ActorStateInactive},
				},
			},
			301: {
				ID:       301,
				TypeFlag: model.FragmentTypeBackfill,
				Actors: []*model.Actor{
					{ID: 32, WorkerID: 1, State: model.ActorStateInactive},
				},
			},
		},
	}
	require.NoError(t, env.fragments.CreateTableFragments(context.Background(), tf))
	env.workers[1].markBackfillDone(32)

	env.start()
	defer env.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.manager.RunCommand(ctx, &CreateStreamingJob{Fragments: tf}))
}

// snapshotPinRecorder counts pin and unpin calls on the wrapped engine.
type snapshotPinRecorder struct {
	storage.Engine
	mu     sync.Mutex
	pins   int
	unpins int
}

func (e *snapshotPinRecorder) PinSnapshot(
	ctx context.Context, contextID model.WorkerID,
) (model.Snapshot, error) {
	e.mu.Lock()
	e.pins++
	e.mu.Unlock()
	return e.Engine.PinSnapshot(ctx, contextID)
}

func (e *snapshotPinRecorder) UnpinSnapshot(
	ctx context.Context, contextID model.WorkerID,
) error {
	e.mu.Lock()
	e.unpins++
	e.mu.Unlock()
	return e.Engine.UnpinSnapshot(ctx, contextID)
}

func (e *snapshotPinRecorder) counts() (pins, unpins int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pins, e.unpins
}

func TestRunMultipleCommandsPinsSnapshotForCreate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	recorder := &snapshotPinRecorder{Engine: env.manager.engine}
	env.manager.engine = recorder
	env.start()
	defer env.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tf := &model.TableFragments{
		TableID: 4,
		Fragments: map[model.FragmentID]*model.Fragment{
			400: {
				ID:       400,
				TypeFlag: model.FragmentTypeSource,
				Actors: []*model.Actor{
					{ID: 41, WorkerID: 1, State: model.ActorStateInactive},
				},
			},
		},
	}
	require.NoError(t, env.fragments.CreateTableFragments(ctx, tf))

	commands := []Command{
		&SourceSplitAssignment{Splits: map[model.ActorID][]model.SourceSplit{
			11: {{SplitID: "split-1"}},
		}},
		&CreateStreamingJob{Fragments: tf},
	}
	require.NoError(t, env.manager.RunMultipleCommands(ctx, commands))

	// A batch with a creating job holds exactly one snapshot pin for its
	// whole duration and releases it afterwards.
	pins, unpins := recorder.counts()
	require.Equal(t, 1, pins)
	require.Equal(t, 1, unpins)
}

func TestRecoveryFailsInFlightWaiters(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testBarrierConfig(), 1)
	env.runningTable(1, 1, 11)
	env.start()
	defer env.stop()

	require.Eventually(t, func() bool {
		return env.committedEpoch() != model.InvalidEpoch
	}, 5*time.Second, 10*time.Millisecond)

	// Fail injections for a while so that a scheduled command is caught by
	// the failure.
	env.workers[1].failNextInject(errors.New("worker lost"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The command either fails with the recovery cause or succeeds after
	// recovery, depending on which barrier it rides; both are acceptable,
	// but it must not hang.
	_ = env.manager.RunCommand(ctx, &SourceSplitAssignment{
		Splits: map[model.ActorID][]model.SourceSplit{11: {{SplitID: "s"}}},
	})
	require.NoError(t, ctx.Err())
}
