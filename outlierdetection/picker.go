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
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// pickerWrapper wraps the child policy's picker: it delegates selection
// unchanged, then unwraps the chosen subConnWrapper so upstream code only
// ever sees the real transport SubConn, and (when counting is enabled)
// attaches a callTracker to the result's Done callback.
type pickerWrapper struct {
	child      balancer.Picker
	countingOn bool
}

func (pw *pickerWrapper) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	if pw.child == nil {
		// Pathological: the policy core only ever constructs a
		// pickerWrapper in response to a child UpdateState call, which
		// always carries a non-nil picker. Guard anyway rather than panic.
		return balancer.PickResult{}, status.Error(codes.Internal, "outlier_detection picker not given any child picker")
	}

	res, err := pw.child.Pick(info)
	if err != nil {
		return res, err
	}

	scw, ok := res.SubConn.(*subConnWrapper)
	if !ok {
		// Not one of ours (e.g. a test double); pass through unchanged.
		return res, nil
	}

	res.SubConn = scw.SubConn
	if pw.countingOn {
		ct := &callTracker{ep: scw.ep, done: res.Done}
		res.Done = ct.record
	}
	return res, nil
}
