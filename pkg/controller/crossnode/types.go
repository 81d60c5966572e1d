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
	"strconv"
	"time"
)

// Health is a replica's observed liveness state, as moved between
// values by Controller.monitorOnce.
type Health string

const (
	HealthUnready  Health = "Unready"
	HealthReady    Health = "Ready"
	HealthAbnormal Health = "Abnormal"
)

// RestoreState tracks where a replica sits in the recreate-and-relabel
// recovery flow so a monitoring tick never re-triggers a destructive
// recreate mid-recovery.
type RestoreState string

const (
	RestoreNone       RestoreState = "None"
	RestoreRecreating RestoreState = "Recreating"
	RestorePending    RestoreState = "Pending"
)

// Phase is the coarse lifecycle stage of a replica's K8s resources.
type Phase string

const (
	PhaseCreating Phase = "Creating"
	PhaseCreated  Phase = "Created"
	PhaseFailed   Phase = "Failed"
	PhaseStopping Phase = "Stopping"
)

// instance is one controller's live view of a single replica. index is
// the replica's position within its server's Replicas count, i.e. the
// `<i>` in the ConfigMap/Deployment names.
type instance struct {
	index  int
	config DeployConfig

	phase      Phase
	failureMsg string

	labeled         bool
	masterPodIP     string
	masterCreatedAt time.Time

	health       Health
	restoreState RestoreState
}

func newInstance(index int, config DeployConfig) *instance {
	return &instance{
		index:        index,
		config:       config,
		phase:        PhaseCreating,
		health:       HealthUnready,
		restoreState: RestoreNone,
	}
}

func (in *instance) configMapName() string {
	return configMapName(in.config.ServerName, in.index)
}

func (in *instance) deploymentName() string {
	return deploymentName(in.config.ServerName, in.index)
}

func configMapName(serverName string, index int) string {
	return "rings-config-" + serverName + "-deployment-" + strconv.Itoa(index)
}

func deploymentName(serverName string, index int) string {
	return serverName + "-deployment-" + strconv.Itoa(index)
}

func serviceName(serverName string) string {
	return serverName + "-service"
}

func masterLabelValue(serverName string) string {
	return serverName + "-master-node"
}

func deployLabelValue(serverName string, index int) string {
	return deploymentName(serverName, index)
}
