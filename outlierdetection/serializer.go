/*
 *
 * Copyright 2024 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package outlierdetection

import "context"

// callbackSerializer runs callbacks one at a time, in the order they were
// scheduled, on a single goroutine. The policy core uses it to give every
// control-plane mutation (config updates, endpoint-map edits, timer
// firings, and helper callbacks from the child policy) the single-writer
// discipline the design calls for, without a mutex around every field.
//
// This is a small stand-in for grpc-go's own internal callback serializer;
// that type lives under google.golang.org/grpc/internal and isn't
// importable from outside the grpc-go module, so this package carries its
// own copy of the same channel-and-goroutine idiom.
type callbackSerializer struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan func(context.Context)
	done   chan struct{}
}

func newCallbackSerializer(ctx context.Context) *callbackSerializer {
	ctx, cancel := context.WithCancel(ctx)
	cs := &callbackSerializer{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan func(context.Context), 16),
		done:   make(chan struct{}),
	}
	go cs.run()
	return cs
}

func (cs *callbackSerializer) run() {
	defer close(cs.done)
	for {
		select {
		case f := <-cs.tasks:
			f(cs.ctx)
		case <-cs.ctx.Done():
			// Drain whatever was already queued before Stop was called, so a
			// callback scheduled right before shutdown still runs exactly
			// once instead of silently vanishing.
			for {
				select {
				case f := <-cs.tasks:
					f(cs.ctx)
				default:
					return
				}
			}
		}
	}
}

// Schedule enqueues f to run on the serializer goroutine. It returns false
// if the serializer has already been stopped and f will never run.
func (cs *callbackSerializer) Schedule(f func(context.Context)) bool {
	if cs.ctx.Err() != nil {
		return false
	}
	select {
	case cs.tasks <- f:
		return true
	default:
	}
	select {
	case cs.tasks <- f:
		return true
	case <-cs.ctx.Done():
		return false
	}
}

// Stop prevents any further callbacks from being scheduled. Callbacks
// already in the queue still run.
func (cs *callbackSerializer) Stop() {
	cs.cancel()
}

// waitForStop blocks until the run loop has drained and exited. Call this
// only after Stop, to avoid leaking the goroutine.
func (cs *callbackSerializer) waitForStop() {
	<-cs.done
}
