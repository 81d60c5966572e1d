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

// Package metrics declares the control plane's Prometheus series and
// registers them against controller-runtime's shared registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const Namespace = "mindie_motor"

const (
	schedulerSubsystem = "scheduler"
	nodestoreSubsystem = "nodestore"
	crossnodeSubsystem = "crossnode"
)

const (
	PolicyLabel     = "policy"
	ResultLabel     = "result"
	ReplicaLabel    = "replica"
	TransitionLabel = "transition"
)

var (
	// SchedulePicksTotal counts every Pick outcome, labeled by the
	// policy that ran and whether it succeeded, was retried, or was
	// dropped as fatal.
	SchedulePicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "picks_total",
			Help:      "Number of routing decisions attempted, labeled by policy and result.",
		},
		[]string{PolicyLabel, ResultLabel},
	)

	// ScheduleQueueDepth reports the number of requests currently
	// sitting in the schedule queue.
	ScheduleQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "queue_depth",
			Help:      "Number of requests currently queued for scheduling.",
		},
		[]string{},
	)

	// NodeStoreWorkers reports the number of currently registered
	// workers.
	NodeStoreWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: nodestoreSubsystem,
			Name:      "workers",
			Help:      "Number of workers currently registered in the node store.",
		},
		[]string{},
	)

	// CrossNodeReplicaTransitions counts every state transition a
	// CrossNode replica makes (Unready->Ready, Ready->Abnormal, etc).
	CrossNodeReplicaTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: crossnodeSubsystem,
			Name:      "replica_transitions_total",
			Help:      "Number of replica health-state transitions, labeled by replica and transition.",
		},
		[]string{ReplicaLabel, TransitionLabel},
	)

	// CrossNodeRecoveryAttempts counts every RecoverInstance attempt.
	CrossNodeRecoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: crossnodeSubsystem,
			Name:      "recovery_attempts_total",
			Help:      "Number of master-pod recovery attempts, labeled by replica and result.",
		},
		[]string{ReplicaLabel, ResultLabel},
	)
)

// MustRegister registers every control-plane metric against
// controller-runtime's shared registry. Call once at startup.
func MustRegister() {
	crmetrics.Registry.MustRegister(
		SchedulePicksTotal,
		ScheduleQueueDepth,
		NodeStoreWorkers,
		CrossNodeReplicaTransitions,
		CrossNodeRecoveryAttempts,
	)
}
