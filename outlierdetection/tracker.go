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

import "google.golang.org/grpc/balancer"

// callTracker decorates whatever Done callback the child policy attached
// to a pick result. grpc-go's picker contract only exposes a single
// completion hook (balancer.PickResult.Done), so there is no separate
// on_start signal to forward here — construction of the tracker itself is
// the only "start" event, and it carries no behavior of its own.
type callTracker struct {
	ep   *endpoint
	done func(balancer.DoneInfo)
}

// record delegates to the child's original Done callback, then feeds the
// outcome back into the bound endpoint's active bucket. An endpoint-less
// tracker (subchannel created before any address update populated the
// map) is a no-op past the delegation.
func (ct *callTracker) record(info balancer.DoneInfo) {
	if ct.done != nil {
		ct.done(info)
	}
	if ct.ep == nil {
		return
	}
	if info.Err == nil {
		ct.ep.recordSuccess()
	} else {
		ct.ep.recordFailure()
	}
}
