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
	"math/rand"
	"testing"
	"time"
)

// newTestBalancer builds an outlierDetectionBalancer with n endpoints and
// the given config, skipping Build/the real serializer and child manager
// entirely since these tests drive the evaluator's algorithms directly.
func newTestBalancer(cfg *LBConfig, n int) (*outlierDetectionBalancer, []*endpoint) {
	b := &outlierDetectionBalancer{
		cfg:       cfg,
		endpoints: make(map[endpointKey]*endpoint),
		rng:       rand.New(rand.NewSource(1)),
		clock:     time.Now,
	}
	eps := make([]*endpoint, n)
	for i := 0; i < n; i++ {
		ep := newEndpoint()
		eps[i] = ep
		b.endpoints[endpointKey(i)] = ep
	}
	return b, eps
}

func feed(ep *endpoint, successes, failures int) {
	for i := 0; i < successes; i++ {
		ep.recordSuccess()
	}
	for i := 0; i < failures; i++ {
		ep.recordFailure()
	}
	ep.rotate()
}

// TestSuccessRateAlgorithm_EjectsOutlier reproduces a simple success-rate
// scenario: nine healthy endpoints at 100% success and one endpoint
// failing every request. With EnforcementPercentage 100 the dice roll
// always succeeds, so the test isolates the statistical decision itself.
func TestSuccessRateAlgorithm_EjectsOutlier(t *testing.T) {
	cfg := &LBConfig{
		MaxEjectionPercent: 100,
		SuccessRateEjection: &SuccessRateEjection{
			StdevFactor:           1900,
			EnforcementPercentage: 100,
			MinimumHosts:          5,
			RequestVolume:         10,
		},
	}
	b, eps := newTestBalancer(cfg, 10)
	for i := 0; i < 9; i++ {
		feed(eps[i], 10, 0)
	}
	feed(eps[9], 0, 10)

	now := time.Now()
	n := b.runSuccessRateAlgorithm(now, len(eps), 0)

	if n != 1 {
		t.Fatalf("ejected count = %d, want 1", n)
	}
	for i := 0; i < 9; i++ {
		if eps[i].ejected {
			t.Errorf("healthy endpoint %d was ejected", i)
		}
	}
	if !eps[9].ejected {
		t.Errorf("outlier endpoint was not ejected")
	}
}

// TestSuccessRateAlgorithm_RequiresMinimumHosts confirms the algorithm
// does nothing when fewer than MinimumHosts endpoints have enough volume
// to be considered, even if one of them looks like an outlier.
func TestSuccessRateAlgorithm_RequiresMinimumHosts(t *testing.T) {
	cfg := &LBConfig{
		MaxEjectionPercent: 100,
		SuccessRateEjection: &SuccessRateEjection{
			StdevFactor:           1900,
			EnforcementPercentage: 100,
			MinimumHosts:          5,
			RequestVolume:         10,
		},
	}
	b, eps := newTestBalancer(cfg, 3)
	feed(eps[0], 10, 0)
	feed(eps[1], 10, 0)
	feed(eps[2], 0, 10)

	n := b.runSuccessRateAlgorithm(time.Now(), len(eps), 0)
	if n != 0 {
		t.Fatalf("ejected count = %d, want 0 (below MinimumHosts)", n)
	}
}

// TestFailurePercentageAlgorithm_EjectsAboveThreshold exercises the
// failure-percentage algorithm independent of the statistical success-rate
// one: any endpoint whose failure percentage exceeds the threshold is a
// candidate, full stop.
func TestFailurePercentageAlgorithm_EjectsAboveThreshold(t *testing.T) {
	cfg := &LBConfig{
		MaxEjectionPercent: 100,
		FailurePercentageEjection: &FailurePercentageEjection{
			Threshold:             50,
			EnforcementPercentage: 100,
			MinimumHosts:          2,
			RequestVolume:         10,
		},
	}
	b, eps := newTestBalancer(cfg, 3)
	feed(eps[0], 10, 0)
	feed(eps[1], 4, 6) // 60% failures, over threshold
	feed(eps[2], 10, 0)

	n := b.runFailurePercentageAlgorithm(time.Now(), len(eps), 0)
	if n != 1 {
		t.Fatalf("ejected count = %d, want 1", n)
	}
	if !eps[1].ejected {
		t.Errorf("high-failure endpoint was not ejected")
	}
}

// TestMaybeEject_EnforcementPercentageZero verifies that an
// EnforcementPercentage of 0 never ejects regardless of how far outside
// the threshold an endpoint falls, since the dice roll (uniform in
// [1,100)) can never be less than 0.
func TestMaybeEject_EnforcementPercentageZero(t *testing.T) {
	cfg := &LBConfig{MaxEjectionPercent: 100}
	b, eps := newTestBalancer(cfg, 1)
	if b.maybeEject(eps[0], time.Now(), 0, 0, 1) {
		t.Errorf("maybeEject with EnforcementPercentage 0 returned true")
	}
}

// TestMaybeEject_CapAllowsFirstEjection verifies the "first ejection
// always permitted" exception: with maxEjectionPercent so low that the
// cap formula would otherwise block even a single ejection, the very
// first ejection of a pass still goes through.
func TestMaybeEject_CapAllowsFirstEjection(t *testing.T) {
	cfg := &LBConfig{MaxEjectionPercent: 0}
	b, eps := newTestBalancer(cfg, 10)
	if !b.maybeEject(eps[0], time.Now(), 100, 0, 10) {
		t.Errorf("maybeEject rejected the first ejection of a pass despite the exception")
	}
}

// TestMaybeEject_CapBlocksSubsequentEjections verifies that once the cap
// is reached, further ejections in the same pass are blocked.
func TestMaybeEject_CapBlocksSubsequentEjections(t *testing.T) {
	cfg := &LBConfig{MaxEjectionPercent: 20}
	b, eps := newTestBalancer(cfg, 10)
	// ejectedCount=2 of 10 already at the 20% cap; a third must be blocked.
	if b.maybeEject(eps[0], time.Now(), 100, 2, 10) {
		t.Errorf("maybeEject allowed an ejection past the configured cap")
	}
}

// TestRunEvaluation_RotatesAndDecays confirms a full pass rotates every
// endpoint's buckets and runs decay even when no algorithm is configured.
func TestRunEvaluation_RotatesAndDecays(t *testing.T) {
	cfg := &LBConfig{MaxEjectionPercent: 10, BaseEjectionTime: 30 * time.Second, MaxEjectionTime: 300 * time.Second}
	b, eps := newTestBalancer(cfg, 2)
	eps[0].recordSuccess()
	eps[1].multiplier = 5

	b.runEvaluation(time.Now())

	if _, _, ok := eps[0].successRateAndVolume(); !ok {
		t.Errorf("endpoint's recorded call did not survive rotation into the backup bucket")
	}
	if eps[1].multiplier != 4 {
		t.Errorf("multiplier = %d after a pass with no active ejection, want decayed to 4", eps[1].multiplier)
	}
}
