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
	cerror "github.com/pingcap/tistream/pkg/errors"
)

// scheduled is one queued command together with the notifiers of every
// caller riding on it.
type scheduled struct {
	command   Command
	notifiers []*Notifier
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// scheduledBarriers is a FIFO buffer of commands waiting to be attached to
// the next barrier. We implement one manually instead of using a channel
// because flush callers need to attach notifiers to the command already at
// the front of the queue.
type scheduledBarriers struct {
	mu     sync.Mutex
	buffer []scheduled

	// changedCh is closed on the empty-to-non-empty transition and replaced
	// with a fresh channel whenever the buffer drains, giving waiters a
	// level-triggered, select-able signal.
	changedCh chan struct{}
}

func newScheduledBarriers() *scheduledBarriers {
	return &scheduledBarriers{
		changedCh: make(chan struct{}),
	}
}

// push appends commands at the tail, waking any waiter if the buffer was
// empty.
func (s *scheduledBarriers) push(scheduleds ...scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasEmpty := len(s.buffer) == 0
	s.buffer = append(s.buffer, scheduleds...)
	if wasEmpty && len(s.buffer) > 0 {
		close(s.changedCh)
	}
}

// popOrDefault removes and returns the head of the queue. If no command is
// scheduled, it synthesizes a periodic checkpoint barrier with no notifiers,
// so the queue is never empty from the consumer's point of view.
func (s *scheduledBarriers) popOrDefault() scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return scheduled{command: &PlainCommand{}}
	}
	head := s.buffer[0]
	s.buffer[0] = scheduled{}
	s.buffer = s.buffer[1:]
	if len(s.buffer) == 0 {
		s.changedCh = make(chan struct{})
	}
	return head
}

// attachNotifiers appends notifiers to the command already at the front, or
// synthesizes a default checkpoint command carrying exactly these notifiers.
// Flush callers use this to ride whichever barrier goes out next.
func (s *scheduledBarriers) attachNotifiers(notifiers ...*Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) > 0 {
		s.buffer[0].notifiers = append(s.buffer[0].notifiers, notifiers...)
		return
	}
	s.buffer = append(s.buffer, scheduled{command: &PlainCommand{}, notifiers: notifiers})
	close(s.changedCh)
}

// waitCh returns a channel that is readable while the queue is non-empty.
func (s *scheduledBarriers) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) > 0 {
		return closedChan
	}
	return s.changedCh
}

// waitOne blocks until the queue becomes non-empty or ctx is canceled.
func (s *scheduledBarriers) waitOne(ctx context.Context) error {
	select {
	case <-s.waitCh():
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// abort drains the queue and fails every attached notifier. Called on
// shutdown and when recovery is administratively disabled.
func (s *scheduledBarriers) abort() {
	s.mu.Lock()
	buffer := s.buffer
	s.buffer = nil
	if len(buffer) > 0 {
		// The channel was closed on the empty-to-non-empty transition;
		// replace it so future waiters block again.
		s.changedCh = make(chan struct{})
	}
	s.mu.Unlock()

	err := cerror.ErrScheduledBarrierAbort.GenWithStackByArgs()
	for _, entry := range buffer {
		for _, notifier := range entry.notifiers {
			notifier.notifyFailed(err)
		}
	}
}
