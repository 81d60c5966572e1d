/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the control plane's typed
// configuration: one struct per component, populated once by a parser
// that enumerates the accepted keys.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/verylucky01/mindie-motor/pkg/merrors"
)

// DeployMode selects the scheduling topology.
type DeployMode string

const (
	DeployModeSingleNode                      DeployMode = "single_node"
	DeployModePDSeparate                      DeployMode = "pd_separate"
	DeployModePDDisaggregation                DeployMode = "pd_disaggregation"
	DeployModePDDisaggregationSingleContainer DeployMode = "pd_disaggregation_single_container"
)

// PrefixCacheConfig is CacheAffinity's tuning surface.
type PrefixCacheConfig struct {
	CacheSize   int     `yaml:"cache_size" validate:"min=1"`
	SlotsThresh float64 `yaml:"slots_thresh" validate:"min=0,max=1"`
	BlockThresh float64 `yaml:"block_thresh" validate:"min=0,max=1"`
}

// RoundRobinConfig has no tunables today; it exists so the
// algorithm_type surface stays uniform across variants.
type RoundRobinConfig struct{}

// SchedulerConfig is the top-level scheduler configuration.
type SchedulerConfig struct {
	DeployMode    DeployMode        `yaml:"deploy_mode" validate:"required,oneof=single_node pd_separate pd_disaggregation pd_disaggregation_single_container"`
	AlgorithmType string            `yaml:"algorithm_type" validate:"required"`
	PrefixCache   PrefixCacheConfig `yaml:"prefix_cache"`
	RoundRobin    RoundRobinConfig  `yaml:"round_robin"`
}

// CrossNodeConfig is the CrossNode controller's per-process tuning
// surface; per-deploy fields live in the deploy request itself.
type CrossNodeConfig struct {
	DiscoveryIntervalSeconds int  `yaml:"discovery_interval_seconds" validate:"min=1"`
	MonitorIntervalSeconds   int  `yaml:"monitor_interval_seconds" validate:"min=1"`
	RecoveryMaxAttempts      int  `yaml:"recovery_max_attempts" validate:"min=1"`
	RecoveryIntervalSeconds  int  `yaml:"recovery_interval_seconds" validate:"min=1"`
	MaxInstances             int  `yaml:"max_instances" validate:"min=1"`
	MaxServers               int  `yaml:"max_servers" validate:"min=1"`
	EnableTLS                bool `yaml:"enable_tls"`
}

// Config is the full process configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" validate:"required"`
	CrossNode CrossNodeConfig `yaml:"cross_node" validate:"required"`
}

// DefaultPrefixCache matches the control plane's documented defaults.
func DefaultPrefixCache() PrefixCacheConfig {
	return PrefixCacheConfig{CacheSize: 100, SlotsThresh: 0.05, BlockThresh: 0.05}
}

// DefaultCrossNode returns the stock loop cadence and per-process
// limits.
func DefaultCrossNode() CrossNodeConfig {
	return CrossNodeConfig{
		DiscoveryIntervalSeconds: 3,
		MonitorIntervalSeconds:   3,
		RecoveryMaxAttempts:      10,
		RecoveryIntervalSeconds:  3,
		MaxInstances:             1,
		MaxServers:               1,
	}
}

var validate = validator.New()

// Load reads, parses, and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.Wrap(merrors.KindInvalidInput, merrors.ModuleConfig, "01", "01", err,
			fmt.Sprintf("config: reading %s", path))
	}

	cfg := &Config{
		Scheduler: SchedulerConfig{PrefixCache: DefaultPrefixCache()},
		CrossNode: DefaultCrossNode(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, merrors.Wrap(merrors.KindInvalidInput, merrors.ModuleConfig, "01", "02", err,
			"config: parsing YAML")
	}

	if cfg.Scheduler.AlgorithmType != "cache_affinity" &&
		cfg.Scheduler.AlgorithmType != "round_robin" &&
		cfg.Scheduler.AlgorithmType != "load_balance" {
		cfg.Scheduler.AlgorithmType = "round_robin"
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, merrors.Wrap(merrors.KindInvalidInput, merrors.ModuleConfig, "01", "03", err,
			"config: validation failed")
	}
	return cfg, nil
}
