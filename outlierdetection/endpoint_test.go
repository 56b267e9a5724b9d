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
	"testing"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/resolver"
)

func TestKeyForAddress_IgnoresAttributes(t *testing.T) {
	a1 := resolver.Address{Addr: "1.2.3.4:80", ServerName: "foo"}
	a2 := a1
	a2.Attributes = a2.Attributes.WithValue("k", "v")
	a2.BalancerAttributes = a2.BalancerAttributes.WithValue("k2", "v2")
	a2.Metadata = map[string]interface{}{"m": 1}

	if keyForAddress(a1) != keyForAddress(a2) {
		t.Errorf("keyForAddress differs across attribute-only changes; want identical keys")
	}

	a3 := resolver.Address{Addr: "1.2.3.4:81", ServerName: "foo"}
	if keyForAddress(a1) == keyForAddress(a3) {
		t.Errorf("keyForAddress collided for distinct addresses")
	}
}

func TestBucketRotate(t *testing.T) {
	e := newEndpoint()
	e.recordSuccess()
	e.recordSuccess()
	e.recordFailure()

	e.rotate()

	sr, vol, ok := e.successRateAndVolume()
	if !ok {
		t.Fatalf("successRateAndVolume() ok = false, want true")
	}
	if vol != 3 {
		t.Errorf("volume = %d, want 3", vol)
	}
	if got, want := sr, float64(200)/3; got != want {
		t.Errorf("success rate = %v, want %v", got, want)
	}

	// A second rotation with no activity in between should report a zero
	// volume window rather than replaying the previous one.
	e.rotate()
	if _, _, ok := e.successRateAndVolume(); ok {
		t.Errorf("successRateAndVolume() ok = true after an empty interval, want false")
	}
}

func TestEndpointEjectUneject(t *testing.T) {
	e := newEndpoint()

	e.eject(time.Now())
	if !e.ejected {
		t.Errorf("ejected = false after eject()")
	}
	if e.multiplier != 1 {
		t.Errorf("multiplier = %d after first eject, want 1", e.multiplier)
	}

	e.eject(time.Now())
	if e.multiplier != 2 {
		t.Errorf("multiplier = %d after second eject, want 2", e.multiplier)
	}

	e.uneject()
	if e.ejected {
		t.Errorf("ejected = true after uneject()")
	}
	if e.multiplier != 2 {
		t.Errorf("multiplier = %d after uneject(), want unchanged at 2", e.multiplier)
	}
}

func TestMaybeUneject_Decay(t *testing.T) {
	e := newEndpoint()
	e.multiplier = 3
	e.maybeUneject(time.Now(), 30*time.Second, 300*time.Second)
	if e.multiplier != 2 {
		t.Errorf("multiplier after decay with no active ejection = %d, want 2", e.multiplier)
	}
}

func TestMaybeUneject_Backoff(t *testing.T) {
	base := 10 * time.Second
	maxEjection := 60 * time.Second
	start := time.Now()

	e := newEndpoint()
	e.eject(start) // multiplier becomes 1, backoff = min(10s*1, max(10s,60s)) = 10s

	e.maybeUneject(start.Add(5*time.Second), base, maxEjection)
	if !e.ejected {
		t.Errorf("endpoint un-ejected before its backoff deadline")
	}

	e.maybeUneject(start.Add(11*time.Second), base, maxEjection)
	if e.ejected {
		t.Errorf("endpoint still ejected after its backoff deadline passed")
	}
}

func TestMaybeUneject_BackoffCapsAtMaxEjectionTime(t *testing.T) {
	base := 30 * time.Second
	maxEjection := 60 * time.Second
	start := time.Now()

	e := newEndpoint()
	e.multiplier = 10 // base*multiplier = 300s, far past maxEjection
	e.eject(start)    // multiplier becomes 11; backoff = min(330s, max(30s,60s)=60s) = 60s

	e.maybeUneject(start.Add(59*time.Second), base, maxEjection)
	if !e.ejected {
		t.Errorf("endpoint un-ejected before the capped 60s deadline")
	}
	e.maybeUneject(start.Add(61*time.Second), base, maxEjection)
	if e.ejected {
		t.Errorf("endpoint still ejected after the capped 60s deadline passed")
	}
}

func TestEndpointBindUnbindPropagatesEjection(t *testing.T) {
	e := newEndpoint()
	scw := &subConnWrapper{downstream: func(balancer.SubConnState) {}}
	e.bind(scw)

	e.eject(time.Now())
	if !scw.ejected {
		t.Errorf("scw.ejected = false after bound endpoint ejected")
	}

	e.unbind(scw)
	e.uneject()
	if !scw.ejected {
		t.Errorf("unbound wrapper's ejected flag changed after endpoint uneject; want it left as-is")
	}
}
