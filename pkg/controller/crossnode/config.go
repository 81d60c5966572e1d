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

package crossnode

import (
	"github.com/go-playground/validator/v10"

	"github.com/verylucky01/mindie-motor/pkg/merrors"
)

var validate = validator.New()

// ResourceRequests is the per-pod compute request a replica's pods
// carry. Limits are derived from requests (2x cpu/mem, same npu count)
// rather than accepted as separate input.
type ResourceRequests struct {
	MemoryMiB  int    `yaml:"memory" validate:"min=1000,max=256000"`
	CPUCoreM   int    `yaml:"cpu_core" validate:"min=1000,max=256000"`
	NPUType    string `yaml:"npu_type" validate:"eq=Ascend910"`
	NPUChipNum int    `yaml:"npu_chip_num" validate:"eq=8"`
}

// MindieServerConfig is the subset of a pod's own server configuration
// the controller needs to template into env vars and probes.
type MindieServerConfig struct {
	InferPort       int    `yaml:"infer_port" validate:"min=1024,max=65535"`
	ManagementPort  int    `yaml:"management_port" validate:"min=1024,max=65535"`
	EnableTLS       bool   `yaml:"enable_tls"`
	MiesInstallPath string `yaml:"mies_install_path" validate:"required,startswith=/"`
}

// DeployConfig is the caller-supplied description of one replica,
// validated in full before any K8s resource is touched.
type DeployConfig struct {
	ServerName       string             `yaml:"server_name" validate:"required,min=1,max=48"`
	Scheduler        string             `yaml:"scheduler" validate:"eq=default"`
	ServiceType      string             `yaml:"service_type" validate:"eq=NodePort"`
	ServicePort      int                `yaml:"service_port" validate:"min=30000,max=32767"`
	Replicas         int                `yaml:"replicas" validate:"min=1"`
	CrossNodeNum     int                `yaml:"cross_node_num" validate:"oneof=2 4"`
	ResourceRequests ResourceRequests   `yaml:"resource_requests" validate:"required"`
	InitDelaySeconds int                `yaml:"init_delay" validate:"min=10,max=1800"`
	MindieServer     MindieServerConfig `yaml:"mindie_server_config" validate:"required"`

	LivenessTimeoutSeconds    int `yaml:"liveness_timeout" validate:"min=1,max=300"`
	ReadinessTimeoutSeconds   int `yaml:"readiness_timeout" validate:"min=1,max=300"`
	LivenessFailureThreshold  int `yaml:"liveness_failure_threshold" validate:"min=1,max=10"`
	ReadinessFailureThreshold int `yaml:"readiness_failure_threshold" validate:"min=1,max=10"`

	// InnerErrorDetection is not part of the bounded config table but
	// gates which readiness path the monitor probes; it defaults false.
	InnerErrorDetection bool `yaml:"inner_error_detection"`
}

// Validate enforces the bounded config table above. processTLSEnabled is
// the process-level TLS switch mindie_server_config.enable_tls must
// match; any mismatch is InvalidInput, same as every other violation
// here.
func (c DeployConfig) Validate(maxInstances int, processTLSEnabled bool) error {
	if err := validate.Struct(c); err != nil {
		return merrors.Wrap(merrors.KindInvalidInput, merrors.ModuleCrossNode, "01", "01", err,
			"crossnode: deploy config failed validation")
	}
	if c.Replicas > maxInstances {
		return merrors.New(merrors.KindInvalidInput, merrors.ModuleCrossNode, "01", "02",
			"crossnode: replicas exceeds maxInstances")
	}
	if c.MindieServer.EnableTLS != processTLSEnabled {
		return merrors.New(merrors.KindInvalidInput, merrors.ModuleCrossNode, "01", "03",
			"crossnode: mindie_server_config.enable_tls does not match the process TLS switch")
	}
	return nil
}
