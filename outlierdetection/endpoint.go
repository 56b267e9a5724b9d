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
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/grpc/resolver"
)

// bucket is a pair of atomic outcome counters for one interval window. A
// call finishing increments exactly one of the two fields; both are read
// together by the evaluator once the bucket has been rotated out of active
// duty.
type bucket struct {
	successes uint64
	failures  uint64
}

func (b *bucket) recordSuccess() { atomic.AddUint64(&b.successes, 1) }
func (b *bucket) recordFailure() { atomic.AddUint64(&b.failures, 1) }

func (b *bucket) reset() {
	atomic.StoreUint64(&b.successes, 0)
	atomic.StoreUint64(&b.failures, 0)
}

func (b *bucket) snapshot() (successes, failures uint64) {
	return atomic.LoadUint64(&b.successes), atomic.LoadUint64(&b.failures)
}

// endpointKey identifies an endpoint independent of routing attributes:
// two resolver.Address values that differ only in Attributes,
// BalancerAttributes, or Metadata collapse to the same key, so per-address
// state survives an update that only touched those fields.
type endpointKey uint64

func keyForAddress(addr resolver.Address) endpointKey {
	h := xxhash.New()
	h.WriteString(addr.Addr)
	h.Write([]byte{0})
	h.WriteString(addr.ServerName)
	return endpointKey(h.Sum64())
}

// endpoint is the per-address bookkeeping record: two rotating outcome
// buckets, an ejection timestamp, the consecutive-ejection multiplier, and
// the set of live subchannel wrappers bound to the address.
//
// The bucket behind active is written from arbitrary transport goroutines
// via recordSuccess/recordFailure, and active itself must only ever be read
// through atomic.LoadPointer. Everything else on this struct (backup,
// ejected, ejectionTime, multiplier, subconns) is mutated only from the
// policy core's serializer goroutine.
type endpoint struct {
	bucketA, bucketB bucket
	active           unsafe.Pointer // *bucket, target of call-path writes
	backup           *bucket        // serializer-only; holds the last completed window

	ejected      bool
	ejectionTime time.Time
	multiplier   uint32

	subconns map[*subConnWrapper]struct{}
}

func newEndpoint() *endpoint {
	e := &endpoint{subconns: make(map[*subConnWrapper]struct{})}
	e.active = unsafe.Pointer(&e.bucketA)
	e.backup = &e.bucketB
	return e
}

func (e *endpoint) activeBucket() *bucket {
	return (*bucket)(atomic.LoadPointer(&e.active))
}

func (e *endpoint) recordSuccess() { e.activeBucket().recordSuccess() }
func (e *endpoint) recordFailure() { e.activeBucket().recordFailure() }

// rotate zeroes the backup bucket, publishes it as the new active bucket,
// and demotes the bucket that was active to backup. After this call,
// e.backup holds the counts accumulated during the interval that just
// ended; new call outcomes land in the freshly zeroed bucket.
func (e *endpoint) rotate() {
	e.backup.reset()
	old := atomic.SwapPointer(&e.active, unsafe.Pointer(e.backup))
	e.backup = (*bucket)(old)
}

// successRateAndVolume reads the backup bucket (the just-completed
// interval) and returns the success rate as a percentage in [0, 100] along
// with the total request volume. ok is false when the volume is zero.
func (e *endpoint) successRateAndVolume() (rate float64, volume uint64, ok bool) {
	s, f := e.backup.snapshot()
	volume = s + f
	if volume == 0 {
		return 0, 0, false
	}
	return float64(s) * 100 / float64(volume), volume, true
}

// eject marks the endpoint ejected as of now, bumps the consecutive-
// ejection multiplier, and propagates the ejection to every subchannel
// wrapper currently bound to the endpoint.
func (e *endpoint) eject(now time.Time) {
	e.ejected = true
	e.ejectionTime = now
	e.multiplier++
	for sw := range e.subconns {
		sw.eject()
	}
}

// uneject clears the ejection and notifies every bound wrapper. It does
// not touch the multiplier; that only decays via maybeUneject.
func (e *endpoint) uneject() {
	e.ejected = false
	e.ejectionTime = time.Time{}
	for sw := range e.subconns {
		sw.uneject()
	}
}

// maybeUneject implements the decay step of an evaluator pass: an
// unejected endpoint's multiplier decays toward zero, while an ejected
// endpoint un-ejects once now has passed its back-off deadline. The
// deadline is deliberately min(base*multiplier, max(base, maxEjection)) —
// the inner max almost always just resolves to maxEjection, but the
// formula is reproduced literally rather than simplified.
func (e *endpoint) maybeUneject(now time.Time, base, maxEjection time.Duration) {
	if !e.ejected {
		if e.multiplier > 0 {
			e.multiplier--
		}
		return
	}
	innerMax := maxEjection
	if base > innerMax {
		innerMax = base
	}
	backoff := base * time.Duration(e.multiplier)
	if backoff > innerMax {
		backoff = innerMax
	}
	if !now.Before(e.ejectionTime.Add(backoff)) {
		e.uneject()
	}
}

func (e *endpoint) bind(sw *subConnWrapper) {
	e.subconns[sw] = struct{}{}
}

func (e *endpoint) unbind(sw *subConnWrapper) {
	delete(e.subconns, sw)
}
