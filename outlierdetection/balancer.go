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

// Package outlierdetection implements a gRPC balancer that wraps a child
// load balancing policy and ejects endpoints observed to be performing
// poorly, per gRFC A50.
package outlierdetection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/resolver"
)

// Name is the name of the outlier detection balancer, as it appears in
// service config load balancing policy lists.
const Name = "outlier_detection_experimental"

// EnvVar gates registration of the balancer behind an opt-in environment
// variable, matching how experimental balancer implementations are rolled
// out elsewhere in this tree: a new balancer earns its way to unconditional
// registration only after it has shipped behind a flag for a release.
const EnvVar = "GRPC_EXPERIMENTAL_ENABLE_OUTLIER_DETECTION"

var logger = grpclog.Component("outlier-detection")

func init() {
	if os.Getenv(EnvVar) == "true" {
		Register()
	}
}

// Register registers the outlier detection balancer builder with grpc-go
// unconditionally. Call it directly from an init function if the
// environment-variable gate isn't the right fit for a particular binary.
func Register() {
	balancer.Register(bb{})
}

type bb struct{}

func (bb) Name() string { return Name }

func (bb) Build(cc balancer.ClientConn, bOpts balancer.BuildOptions) balancer.Balancer {
	b := &outlierDetectionBalancer{
		cc:        cc,
		bOpts:     bOpts,
		endpoints: make(map[endpointKey]*endpoint),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:     time.Now,
	}
	b.serializer = newCallbackSerializer(context.Background())
	b.child = newChildManager(&odClientConn{ClientConn: cc, b: b}, bOpts)
	return b
}

// outlierDetectionBalancer is the Policy Core: it owns the endpoint map,
// the ejection evaluator timer, and a childManager wrapping whatever child
// policy the current config names. Every field below, and every
// subConnWrapper bound into the endpoint map, is touched only on the
// serializer goroutine — subConnWrapper.onStateChange funnels onto it
// explicitly since it's invoked from a different goroutine, see subconn.go
// — with the sole exception of the per-call bucket counters, which are
// atomic and documented in endpoint.go.
type outlierDetectionBalancer struct {
	cc    balancer.ClientConn
	bOpts balancer.BuildOptions

	serializer *callbackSerializer

	cfg   *LBConfig
	child *childManager

	endpoints map[endpointKey]*endpoint

	timer *ejectionTimer
	rng   *rand.Rand
	clock func() time.Time

	closed bool
}

func (b *outlierDetectionBalancer) clockNow() time.Time { return b.clock() }

func (b *outlierDetectionBalancer) afterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}

func (b *outlierDetectionBalancer) randIntn(n int) int { return b.rng.Intn(n) }

var errBalancerClosed = errors.New("outlier-detection: balancer already closed")

func (b *outlierDetectionBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	cfg, ok := s.BalancerConfig.(*LBConfig)
	if !ok {
		return fmt.Errorf("outlier-detection: received config with unexpected type %T", s.BalancerConfig)
	}

	errCh := make(chan error, 1)
	scheduled := b.serializer.Schedule(func(context.Context) {
		if b.closed {
			errCh <- errBalancerClosed
			return
		}
		b.cfg = cfg
		b.reconcileEndpoints(s.ResolverState.Endpoints, s.ResolverState.Addresses)
		b.reconcileTimer()
		errCh <- b.child.updateClientConnState(balancer.ClientConnState{
			ResolverState:  s.ResolverState,
			BalancerConfig: cfg.ChildPolicy.Config,
		}, cfg.ChildPolicy.Name)
	})
	if !scheduled {
		return errBalancerClosed
	}
	return <-errCh
}

// reconcileEndpoints walks the latest resolver state and makes the
// endpoint map match it: new addresses get a fresh *endpoint, and
// addresses no longer present are dropped.
func (b *outlierDetectionBalancer) reconcileEndpoints(endpoints []resolver.Endpoint, addrs []resolver.Address) {
	seen := make(map[endpointKey]bool)
	addKey := func(a resolver.Address) {
		k := keyForAddress(a)
		seen[k] = true
		if _, ok := b.endpoints[k]; !ok {
			b.endpoints[k] = newEndpoint()
		}
	}
	for _, ep := range endpoints {
		for _, a := range ep.Addresses {
			addKey(a)
		}
	}
	for _, a := range addrs {
		addKey(a)
	}
	for k := range b.endpoints {
		if !seen[k] {
			delete(b.endpoints, k)
		}
	}
}

// reconcileTimer implements the update-triggered half of the timer state
// machine: counting disabled cancels any running timer outright; no timer
// running starts a fresh one (rotating every endpoint first, so the first
// interval doesn't inherit stale counts from before this config took
// effect); a running timer whose interval changed is cancelled and
// recreated at its original start time so the remaining wait is
// start+newInterval-now rather than a full newInterval from now; and a
// running timer whose interval is unchanged is left alone entirely, per
// spec §4.6(2)'s "else: leave the timer alone".
func (b *outlierDetectionBalancer) reconcileTimer() {
	if !b.cfg.countingEnabled() {
		b.cancelTimer()
		return
	}
	if b.timer == nil {
		for _, ep := range b.endpoints {
			ep.rotate()
		}
		b.armTimer(b.clockNow())
		return
	}
	if b.timer.interval == b.cfg.Interval {
		return
	}
	start := b.timer.startTime
	b.cancelTimer()
	b.armTimer(start)
}

func (b *outlierDetectionBalancer) ResolverError(err error) {
	b.serializer.Schedule(func(context.Context) {
		b.child.resolverError(err)
	})
}

func (b *outlierDetectionBalancer) UpdateSubConnState(balancer.SubConn, balancer.SubConnState) {
	// Subchannel state updates arrive exclusively through the StateListener
	// installed in createSubConn; grpc-go never calls this legacy method
	// once a listener has been supplied via NewSubConnOptions.
}

func (b *outlierDetectionBalancer) Close() {
	done := make(chan struct{})
	scheduled := b.serializer.Schedule(func(context.Context) {
		b.closed = true
		b.cancelTimer()
		b.child.close()
		close(done)
	})
	if scheduled {
		<-done
	}
	b.serializer.Stop()
	b.serializer.waitForStop()
}

// reset_backoff (spec §4.6/§6) is deliberately not implemented: the
// balancer.Balancer interface this core satisfies has no ResetBackoff (or
// ResetConnectBackoff) hook left for the ClientConn to call into, unlike
// ExitIdle which survives as the optional balancer.ExitIdler interface
// below. There is nothing to delegate to the child because nothing upward
// ever invokes it. See DESIGN.md.

func (b *outlierDetectionBalancer) ExitIdle() {
	b.serializer.Schedule(func(context.Context) {
		b.child.exitIdle()
	})
}

// odClientConn intercepts the two balancer.ClientConn calls the Policy Core
// cares about — subchannel creation (to install masking) and picker
// delivery (to install counting) — and forwards everything else to the
// real ClientConn untouched via the embedded interface.
type odClientConn struct {
	balancer.ClientConn
	b *outlierDetectionBalancer
}

func (occ *odClientConn) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	return occ.b.createSubConn(addrs, opts)
}

func (occ *odClientConn) UpdateState(s balancer.State) {
	occ.b.updateChildState(s)
}

// ResolveNow and Target are pass-through helper calls (spec §4.6's
// request_reresolution / get_authority) suppressed once the policy core is
// shutting down, like every other helper callback.
func (occ *odClientConn) ResolveNow(opts resolver.ResolveNowOptions) {
	if occ.b.closed {
		return
	}
	occ.b.cc.ResolveNow(opts)
}

func (occ *odClientConn) Target() string {
	if occ.b.closed {
		return ""
	}
	return occ.b.cc.Target()
}

// createSubConn builds a subConnWrapper around a freshly created SubConn,
// binds it to the endpoint matching its first address, if any is currently
// tracked, and installs the wrapper's onStateChange as the actual
// StateListener so masking can intercept every update before it reaches
// the child policy. Returns an error once the policy core is shutting
// down, since create_subchannel is a no-op helper callback past that
// point.
func (b *outlierDetectionBalancer) createSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	if b.closed {
		return nil, errBalancerClosed
	}
	scw := &subConnWrapper{b: b, downstream: opts.StateListener}
	newOpts := opts
	newOpts.StateListener = scw.onStateChange

	sc, err := b.cc.NewSubConn(addrs, newOpts)
	if err != nil {
		return nil, err
	}
	scw.SubConn = sc

	if len(addrs) > 0 {
		if ep := b.endpoints[keyForAddress(addrs[0])]; ep != nil {
			scw.ep = ep
			ep.bind(scw)
			scw.ejected = ep.ejected
		}
	}
	return scw, nil
}

// updateChildState is called whenever the child policy produces a new
// balancer.State. It wraps the child's picker in a pickerWrapper — pinning
// it so the wrapper always reflects the most recently delivered child
// picker — and pushes the result upstream. Suppressed once the policy core
// is shutting down, and for any update that carries no picker.
func (b *outlierDetectionBalancer) updateChildState(s balancer.State) {
	if b.closed {
		return
	}
	if s.Picker == nil {
		return
	}
	s.Picker = &pickerWrapper{child: s.Picker, countingOn: b.cfg != nil && b.cfg.countingEnabled()}
	b.cc.UpdateState(s)
}

// childManager is a deliberately simplified stand-in for grpc-go's
// internal gracefulswitch.Balancer, which isn't importable from outside
// the grpc-go module. It swaps to a new child balancer immediately
// whenever the configured builder name changes rather than keeping the old
// child alive in a pending state until the new one reports READY. Outlier
// detection only ever has one configured child_policy at a time in the
// gRFC A50 design — there's no live migration between two independently
// driven policies for gracefulswitch's pending-balancer handling to cover.
type childManager struct {
	cc    balancer.ClientConn
	bOpts balancer.BuildOptions

	mu      sync.Mutex
	name    string
	current balancer.Balancer
}

func newChildManager(cc balancer.ClientConn, bOpts balancer.BuildOptions) *childManager {
	return &childManager{cc: cc, bOpts: bOpts}
}

func (cm *childManager) updateClientConnState(s balancer.ClientConnState, name string) error {
	cm.mu.Lock()
	if name != cm.name || cm.current == nil {
		builder := balancer.Get(name)
		if builder == nil {
			cm.mu.Unlock()
			return fmt.Errorf("outlier-detection: no balancer builder registered for child policy %q", name)
		}
		if cm.current != nil {
			logger.Infof("outlier detection switching child policy from %q to %q", cm.name, name)
			cm.current.Close()
		}
		cm.name = name
		cm.current = builder.Build(cm.cc, cm.bOpts)
	}
	child := cm.current
	cm.mu.Unlock()

	return child.UpdateClientConnState(s)
}

func (cm *childManager) resolverError(err error) {
	cm.mu.Lock()
	child := cm.current
	cm.mu.Unlock()
	if child != nil {
		child.ResolverError(err)
	}
}

func (cm *childManager) close() {
	cm.mu.Lock()
	child := cm.current
	cm.current = nil
	cm.mu.Unlock()
	if child != nil {
		child.Close()
	}
}

func (cm *childManager) exitIdle() {
	cm.mu.Lock()
	child := cm.current
	cm.mu.Unlock()
	if ei, ok := child.(balancer.ExitIdler); ok {
		ei.ExitIdle()
	}
}
