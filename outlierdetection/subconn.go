/*
 *
 * Copyright 2022 gRPC authors.
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

import (
	"context"
	"errors"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
)

// ejectedMessage is the stable status text delivered to upstream watchers
// while a subchannel's endpoint is ejected.
const ejectedMessage = "subchannel ejected by outlier detection"

var errEjected = errors.New(ejectedMessage)

// subConnWrapper decorates a balancer.SubConn produced by the parent
// framework so that, while its bound endpoint is ejected, every state
// update delivered to the child policy is masked as TRANSIENT_FAILURE.
// Once the endpoint un-ejects, the wrapper replays the last real state it
// observed.
//
// All fields besides the embedded SubConn, b, and downstream are mutated
// only from the policy core's serializer goroutine: eject/uneject are
// called from there directly (runEvaluation), and onStateChange —
// invoked by the transport on its own goroutine, not b.serializer — funnels
// onto b.serializer itself before touching any of this state, mirroring the
// teacher's scUpdateCh-into-run() pattern.
type subConnWrapper struct {
	balancer.SubConn

	b          *outlierDetectionBalancer // serializer to funnel state changes through
	ep         *endpoint                 // nil if this subchannel is not tracked for outlier detection
	downstream func(balancer.SubConnState)

	ejected   bool
	observed  bool // true once a real state has been seen at least once
	lastState balancer.SubConnState
}

// onStateChange is installed as the StateListener the child policy
// originally asked for. It runs on whatever goroutine the transport
// delivers the update from, so it does nothing but hand the state off to
// b.serializer; handleStateChange does the actual masking decision and is
// the only place that touches scw's mutable fields.
func (scw *subConnWrapper) onStateChange(s balancer.SubConnState) {
	scw.b.serializer.Schedule(func(context.Context) {
		scw.handleStateChange(s)
	})
}

// handleStateChange records the real state unconditionally, then either
// passes it through or masks it depending on ejected status. Runs only on
// b.serializer, same as eject/uneject, so it never races them.
func (scw *subConnWrapper) handleStateChange(s balancer.SubConnState) {
	first := !scw.observed
	scw.observed = true
	scw.lastState = s
	if !first && scw.ejected {
		return
	}
	if scw.ejected {
		s = transientFailureState()
	}
	scw.downstream(s)
}

func transientFailureState() balancer.SubConnState {
	return balancer.SubConnState{
		ConnectivityState: connectivity.TransientFailure,
		ConnectionError:   errEjected,
	}
}

// eject sets the ejected flag and, if a real state has ever been
// observed, delivers a synthetic TRANSIENT_FAILURE immediately.
func (scw *subConnWrapper) eject() {
	scw.ejected = true
	if scw.observed {
		scw.downstream(transientFailureState())
	}
}

// uneject clears the ejected flag and, if a real state has ever been
// observed, redelivers the last real state and status.
func (scw *subConnWrapper) uneject() {
	scw.ejected = false
	if scw.observed {
		scw.downstream(scw.lastState)
	}
}

// Shutdown detaches the wrapper from its endpoint state before forwarding
// the shutdown to the real subchannel, so a dropped wrapper never dangles
// off the endpoint's subconns set.
func (scw *subConnWrapper) Shutdown() {
	if scw.ep != nil {
		scw.ep.unbind(scw)
		scw.ep = nil
	}
	scw.SubConn.Shutdown()
}
