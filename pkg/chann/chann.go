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

package chann

// Chann is an unbounded channel: sends on In() never block. It is used where
// producers must not be throttled by the consumer, e.g. funneling barrier
// collection results back into the single-threaded coordinator loop.
type Chann[T any] struct {
	in, out chan T
	close   chan struct{}
}

// New creates an unbounded channel.
func New[T any]() *Chann[T] {
	c := &Chann[T]{
		in:    make(chan T, 16),
		out:   make(chan T, 16),
		close: make(chan struct{}),
	}
	go c.process()
	return c
}

// In returns the send-side channel. Sends never block until Close is called.
func (c *Chann[T]) In() chan<- T { return c.in }

// Out returns the receive-side channel. It is closed once Close has been
// called and all buffered values have been received.
func (c *Chann[T]) Out() <-chan T { return c.out }

// Close closes the send side. Buffered values remain receivable from Out.
func (c *Chann[T]) Close() { close(c.close) }

func (c *Chann[T]) process() {
	defer close(c.out)
	var queue []T
	for {
		if len(queue) == 0 {
			select {
			case v := <-c.in:
				queue = append(queue, v)
			case <-c.close:
				c.drain(queue)
				return
			}
			continue
		}
		select {
		case v := <-c.in:
			queue = append(queue, v)
		case c.out <- queue[0]:
			var zero T
			queue[0] = zero
			queue = queue[1:]
		case <-c.close:
			c.drain(queue)
			return
		}
	}
}

// drain flushes the remaining values, plus whatever is still buffered in the
// inlet, to the outlet.
func (c *Chann[T]) drain(queue []T) {
	for _, v := range queue {
		c.out <- v
	}
	for {
		select {
		case v := <-c.in:
			c.out <- v
		default:
			return
		}
	}
}
