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
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc/serviceconfig"
)

// SuccessRateEjection contains the parameters for the success rate ejection
// algorithm.
type SuccessRateEjection struct {
	// StdevFactor is in thousandths of a unit (e.g. a value of 1900 means
	// 1.9 standard deviations below the mean). Defaults to 1900.
	StdevFactor uint32 `json:"stdevFactor,omitempty"`
	// EnforcementPercentage is the percentage chance that a host detected as
	// an outlier by the success rate algorithm will actually be ejected.
	// Defaults to 100.
	EnforcementPercentage uint32 `json:"enforcementPercentage,omitempty"`
	// MinimumHosts is the number of hosts with enough request volume that
	// must be present for the success rate algorithm to run. Defaults to 5.
	MinimumHosts uint32 `json:"minimumHosts,omitempty"`
	// RequestVolume is the minimum number of requests in the interval
	// necessary for a host to be considered by the algorithm. Defaults to
	// 100.
	RequestVolume uint32 `json:"requestVolume,omitempty"`
}

// FailurePercentageEjection contains the parameters for the failure
// percentage ejection algorithm.
type FailurePercentageEjection struct {
	// Threshold is the failure percentage, 0-100, above which a host is
	// ejectable. Defaults to 85.
	Threshold uint32 `json:"threshold,omitempty"`
	// EnforcementPercentage is the percentage chance that a host detected as
	// an outlier by the failure percentage algorithm will actually be
	// ejected. Defaults to 100.
	EnforcementPercentage uint32 `json:"enforcementPercentage,omitempty"`
	// MinimumHosts is the number of hosts that must be present for the
	// failure percentage algorithm to run. Defaults to 5.
	MinimumHosts uint32 `json:"minimumHosts,omitempty"`
	// RequestVolume is the minimum number of requests in the interval
	// necessary for a host to be considered by the algorithm. Defaults to
	// 50.
	RequestVolume uint32 `json:"requestVolume,omitempty"`
}

// LBConfig represents the load balancing config for the outlier detection
// balancer.
type LBConfig struct {
	serviceconfig.LoadBalancingConfig `json:"-"`

	// Interval is the time between ejection analysis sweeps. A value of
	// math.MaxInt64 disables the evaluator entirely. Defaults to 10s.
	Interval time.Duration `json:"interval,omitempty"`
	// BaseEjectionTime is the base time an address is ejected for. Defaults
	// to 30s.
	BaseEjectionTime time.Duration `json:"baseEjectionTime,omitempty"`
	// MaxEjectionTime is the maximum time an address is ejected for.
	// Defaults to max(BaseEjectionTime, 300s).
	MaxEjectionTime time.Duration `json:"maxEjectionTime,omitempty"`
	// MaxEjectionPercent is the maximum percentage of addresses that can be
	// ejected at any one time, 0-100. Defaults to 10.
	MaxEjectionPercent uint32 `json:"maxEjectionPercent,omitempty"`

	// SuccessRateEjection, if present, enables the success rate ejection
	// algorithm.
	SuccessRateEjection *SuccessRateEjection `json:"successRateEjection,omitempty"`
	// FailurePercentageEjection, if present, enables the failure percentage
	// ejection algorithm.
	FailurePercentageEjection *FailurePercentageEjection `json:"failurePercentageEjection,omitempty"`

	// ChildPolicy is the config for the child policy wrapped by this
	// balancer. Required.
	ChildPolicy *serviceconfig.BalancerConfig `json:"childPolicy,omitempty"`
}

// countingEnabled reports whether call outcomes need to be recorded at all,
// i.e. the evaluator will ever run and at least one algorithm is armed.
func (lbc *LBConfig) countingEnabled() bool {
	return lbc.Interval != infinity && (lbc.SuccessRateEjection != nil || lbc.FailurePercentageEjection != nil)
}

// infinity is the sentinel Interval value that disables the evaluator. It
// mirrors the protobuf Duration representation of "never" used by the xDS
// translation layer that produces this config.
const infinity = time.Duration(1<<63 - 1)

// lbConfigJSON avoids UnmarshalJSON recursing into itself while still
// letting us apply defaults before overlaying caller-supplied fields.
type lbConfigJSON LBConfig

// UnmarshalJSON applies A50's documented defaults and then overlays
// whatever the caller supplied.
func (lbc *LBConfig) UnmarshalJSON(j []byte) error {
	lbc.Interval = 10 * time.Second
	lbc.BaseEjectionTime = 30 * time.Second
	lbc.MaxEjectionPercent = 10
	if err := json.Unmarshal(j, (*lbConfigJSON)(lbc)); err != nil {
		return err
	}
	// "max_ejection_time...Defaults to the greater of 300s and
	// base_ejection_time" - A50.
	if lbc.MaxEjectionTime == 0 {
		if lbc.BaseEjectionTime > 300*time.Second {
			lbc.MaxEjectionTime = lbc.BaseEjectionTime
		} else {
			lbc.MaxEjectionTime = 300 * time.Second
		}
	}
	if lbc.SuccessRateEjection != nil {
		applySuccessRateDefaults(lbc.SuccessRateEjection)
	}
	if lbc.FailurePercentageEjection != nil {
		applyFailurePercentageDefaults(lbc.FailurePercentageEjection)
	}
	return nil
}

func applySuccessRateDefaults(sre *SuccessRateEjection) {
	if sre.StdevFactor == 0 {
		sre.StdevFactor = 1900
	}
	if sre.EnforcementPercentage == 0 {
		sre.EnforcementPercentage = 100
	}
	if sre.MinimumHosts == 0 {
		sre.MinimumHosts = 5
	}
	if sre.RequestVolume == 0 {
		sre.RequestVolume = 100
	}
}

func applyFailurePercentageDefaults(fpe *FailurePercentageEjection) {
	if fpe.Threshold == 0 {
		fpe.Threshold = 85
	}
	if fpe.EnforcementPercentage == 0 {
		fpe.EnforcementPercentage = 100
	}
	if fpe.MinimumHosts == 0 {
		fpe.MinimumHosts = 5
	}
	if fpe.RequestVolume == 0 {
		fpe.RequestVolume = 50
	}
}

func (bb) ParseConfig(s json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	lbCfg := &LBConfig{}
	if err := json.Unmarshal(s, lbCfg); err != nil {
		return nil, fmt.Errorf("outlier-detection: unable to unmarshal LBConfig: %s, error: %v", string(s), err)
	}
	// "The google.protobuf.Duration fields interval, base_ejection_time, and
	// max_ejection_time must obey the restrictions in the
	// google.protobuf.Duration documentation and they must have
	// non-negative values." - A50
	if lbCfg.Interval < 0 {
		return nil, fmt.Errorf("outlier-detection: LBConfig.Interval = %v; must be >= 0", lbCfg.Interval)
	}
	if lbCfg.BaseEjectionTime < 0 {
		return nil, fmt.Errorf("outlier-detection: LBConfig.BaseEjectionTime = %v; must be >= 0", lbCfg.BaseEjectionTime)
	}
	if lbCfg.MaxEjectionTime < 0 {
		return nil, fmt.Errorf("outlier-detection: LBConfig.MaxEjectionTime = %v; must be >= 0", lbCfg.MaxEjectionTime)
	}
	// "The fields max_ejection_percent,
	// success_rate_ejection.enforcement_percentage,
	// failure_percentage_ejection.threshold, and
	// failure_percentage.enforcement_percentage must have values less than
	// or equal to 100." - A50
	if lbCfg.MaxEjectionPercent > 100 {
		return nil, fmt.Errorf("outlier-detection: LBConfig.MaxEjectionPercent = %v; must be <= 100", lbCfg.MaxEjectionPercent)
	}
	if sre := lbCfg.SuccessRateEjection; sre != nil && sre.EnforcementPercentage > 100 {
		return nil, fmt.Errorf("outlier-detection: LBConfig.SuccessRateEjection.EnforcementPercentage = %v; must be <= 100", sre.EnforcementPercentage)
	}
	if fpe := lbCfg.FailurePercentageEjection; fpe != nil && fpe.Threshold > 100 {
		return nil, fmt.Errorf("outlier-detection: LBConfig.FailurePercentageEjection.Threshold = %v; must be <= 100", fpe.Threshold)
	}
	if fpe := lbCfg.FailurePercentageEjection; fpe != nil && fpe.EnforcementPercentage > 100 {
		return nil, fmt.Errorf("outlier-detection: LBConfig.FailurePercentageEjection.EnforcementPercentage = %v; must be <= 100", fpe.EnforcementPercentage)
	}
	if lbCfg.ChildPolicy == nil {
		return nil, fmt.Errorf("outlier-detection: LBConfig.ChildPolicy must be set")
	}
	return lbCfg, nil
}
