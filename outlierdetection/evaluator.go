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
	"math"
	"time"
)

// ejectionTimer is the handle for one armed firing of the evaluator. It is
// replaced, not reused, every time the policy core (re)arms the evaluator;
// cancelled carries the {armed, firing, cancelled} state machine described
// by the design — there's no explicit "firing" value because the firing
// window is just the body of onFire running on the serializer.
type ejectionTimer struct {
	startTime time.Time
	interval  time.Duration // the Interval this timer was armed with, for reconcileTimer's change check
	timer     *time.Timer
	cancelled bool
}

// armTimer creates and starts a new ejectionTimer whose first firing lands
// at start+interval. A start time in the past (used when recreating a
// timer across an interval change, per UpdateClientConnState's
// reconcileTimer) makes
// the timer fire essentially immediately.
func (b *outlierDetectionBalancer) armTimer(start time.Time) {
	et := &ejectionTimer{startTime: start, interval: b.cfg.Interval}
	delay := start.Add(b.cfg.Interval).Sub(b.clockNow())
	et.timer = b.afterFunc(delay, func() { b.onTimerFire(et) })
	b.timer = et
}

// cancelTimer stops the current timer, if any, and marks it cancelled so
// a firing already in flight (racing the stop) performs no state changes
// once it reaches the serializer.
func (b *outlierDetectionBalancer) cancelTimer() {
	if b.timer == nil {
		return
	}
	b.timer.cancelled = true
	b.timer.timer.Stop()
	b.timer = nil
}

// onTimerFire is invoked directly by time.AfterFunc, on its own goroutine.
// It does nothing but hand off to the serializer; every actual read or
// write of balancer state happens inside the scheduled closure.
func (b *outlierDetectionBalancer) onTimerFire(et *ejectionTimer) {
	b.serializer.Schedule(func(context.Context) {
		if et.cancelled {
			return
		}
		now := b.clockNow()
		b.runEvaluation(now)
		if et.cancelled {
			// Close or a reconfiguration ran as a side effect of this pass
			// (e.g. a child callback) and cancelled us mid-flight.
			return
		}
		b.armTimer(now)
	})
}

// runEvaluation executes one full evaluator pass: rotate every endpoint's
// buckets, run whichever ejection algorithms are configured, then decay.
// Rotation happens for every endpoint before any statistics are read;
// decay runs after both algorithms so it never races a fresh ejection
// within the same pass.
func (b *outlierDetectionBalancer) runEvaluation(now time.Time) {
	cfg := b.cfg
	for _, ep := range b.endpoints {
		ep.rotate()
	}

	n := len(b.endpoints)
	if n == 0 {
		return
	}

	ejectedCount := 0
	for _, ep := range b.endpoints {
		if ep.ejected {
			ejectedCount++
		}
	}

	if cfg.SuccessRateEjection != nil {
		ejectedCount = b.runSuccessRateAlgorithm(now, n, ejectedCount)
	}
	if cfg.FailurePercentageEjection != nil {
		ejectedCount = b.runFailurePercentageAlgorithm(now, n, ejectedCount)
	}

	for _, ep := range b.endpoints {
		ep.maybeUneject(now, cfg.BaseEjectionTime, cfg.MaxEjectionTime)
	}
}

type srSample struct {
	ep *endpoint
	sr float64
}

// runSuccessRateAlgorithm implements the success-rate ejection algorithm:
// compute the mean and standard deviation of the success rate across
// endpoints with sufficient volume, and eject any endpoint whose rate
// falls more than stdevFactor/1000 standard deviations below the mean,
// subject to the enforcement-percentage dice roll and the ejection cap.
func (b *outlierDetectionBalancer) runSuccessRateAlgorithm(now time.Time, n, ejectedCount int) int {
	sre := b.cfg.SuccessRateEjection

	var samples []srSample
	var sum float64
	for _, ep := range b.endpoints {
		sr, vol, ok := ep.successRateAndVolume()
		if !ok || vol < uint64(sre.RequestVolume) {
			continue
		}
		samples = append(samples, srSample{ep: ep, sr: sr})
		sum += sr
	}
	if uint32(len(samples)) < sre.MinimumHosts {
		return ejectedCount
	}

	mean := sum / float64(len(samples))
	var sqDiffSum float64
	for _, s := range samples {
		d := s.sr - mean
		sqDiffSum += d * d
	}
	stdev := math.Sqrt(sqDiffSum / float64(len(samples)))
	threshold := mean - stdev*(float64(sre.StdevFactor)/1000)

	for _, s := range samples {
		if s.sr >= threshold {
			continue
		}
		if b.maybeEject(s.ep, now, sre.EnforcementPercentage, ejectedCount, n) {
			ejectedCount++
		}
	}
	return ejectedCount
}

// runFailurePercentageAlgorithm implements the failure-percentage
// algorithm: eject any endpoint (not already ejected this pass) whose
// failure percentage exceeds the configured threshold, subject to the
// same enforcement/cap dice roll.
func (b *outlierDetectionBalancer) runFailurePercentageAlgorithm(now time.Time, n, ejectedCount int) int {
	fpe := b.cfg.FailurePercentageEjection

	type fpSample struct {
		ep *endpoint
		sr float64
	}
	var samples []fpSample
	for _, ep := range b.endpoints {
		sr, vol, ok := ep.successRateAndVolume()
		if !ok || vol < uint64(fpe.RequestVolume) {
			continue
		}
		samples = append(samples, fpSample{ep: ep, sr: sr})
	}
	if uint32(len(samples)) < fpe.MinimumHosts {
		return ejectedCount
	}

	for _, s := range samples {
		if s.ep.ejected {
			continue
		}
		if (100 - s.sr) <= float64(fpe.Threshold) {
			continue
		}
		if b.maybeEject(s.ep, now, fpe.EnforcementPercentage, ejectedCount, n) {
			ejectedCount++
		}
	}
	return ejectedCount
}

// maybeEject draws the enforcement dice roll and, if it succeeds and the
// global ejection cap still has room, ejects ep and returns true. The cap
// check always admits the very first ejection of a pass regardless of
// maxEjectionPercent, per the design's "first ejection is always
// permitted" exception.
func (b *outlierDetectionBalancer) maybeEject(ep *endpoint, now time.Time, enforcementPercentage uint32, ejectedCount, n int) bool {
	r := 1 + b.randIntn(99) // uniform in [1, 100)
	capOK := ejectedCount == 0 || 100*ejectedCount/n < int(b.cfg.MaxEjectionPercent)
	if uint32(r) < enforcementPercentage && capOK {
		ep.eject(now)
		logger.Infof("outlier detection ejecting endpoint (consecutive ejections: %d)", ep.multiplier)
		return true
	}
	return false
}
