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

// Notifier bundles the one-shot completion channels a caller attaches to a
// scheduled command. Each channel must have capacity of at least one so that
// the coordinator loop never blocks on a slow caller. Every non-nil channel
// receives exactly one value over the barrier's lifetime: nil on the normal
// path, or the failure cause if the barrier is aborted or recovery kicks in.
type Notifier struct {
	// ToSend fires once the barrier has been injected on all workers.
	ToSend chan<- error
	// CollectedNoCheckpoint fires as soon as all workers collected the
	// barrier, regardless of whether it is a checkpoint.
	CollectedNoCheckpoint chan<- error
	// CollectedCheckpoint fires once the barrier's effects are durably
	// committed by a checkpoint.
	CollectedCheckpoint chan<- error
	// Finished fires once any long-running structural work introduced by
	// the command (e.g. a materialized view backfill) has completed and a
	// checkpoint made it durable.
	Finished chan<- error
}

func (n *Notifier) notifyToSend() {
	if n.ToSend != nil {
		n.ToSend <- nil
		n.ToSend = nil
	}
}

func (n *Notifier) notifyCollectedNoCheckpoint() {
	if n.CollectedNoCheckpoint != nil {
		n.CollectedNoCheckpoint <- nil
		n.CollectedNoCheckpoint = nil
	}
}

// takeCollectedCheckpoint detaches the checkpoint-collection channel so that
// it can be staged until a checkpoint barrier commits. Firing it becomes the
// staging owner's responsibility.
func (n *Notifier) takeCollectedCheckpoint() chan<- error {
	ch := n.CollectedCheckpoint
	n.CollectedCheckpoint = nil
	return ch
}

func (n *Notifier) notifyFinished() {
	if n.Finished != nil {
		n.Finished <- nil
		n.Finished = nil
	}
}

// notifyFailed delivers err to every channel that has not fired yet. It is
// the single failure path, used by queue abort, collection failure and
// recovery, and keeps the exactly-once guarantee for each channel.
func (n *Notifier) notifyFailed(err error) {
	if n.ToSend != nil {
		n.ToSend <- err
		n.ToSend = nil
	}
	if n.CollectedNoCheckpoint != nil {
		n.CollectedNoCheckpoint <- err
		n.CollectedNoCheckpoint = nil
	}
	if n.CollectedCheckpoint != nil {
		n.CollectedCheckpoint <- err
		n.CollectedCheckpoint = nil
	}
	if n.Finished != nil {
		n.Finished <- err
		n.Finished = nil
	}
}
