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

// Package events wraps client-go's record.EventRecorder with the
// small, fixed set of Reasons the cross-node controller emits against
// the ConfigMap it owns for each replica. One recorder per process,
// threaded in from the manager the way controller-runtime wires one
// up for any other controller.
package events

import (
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

// Recorder emits Kubernetes Events describing a replica's lifecycle.
type Recorder struct {
	rec record.EventRecorder
}

func New(rec record.EventRecorder) *Recorder {
	return &Recorder{rec: rec}
}

// Deployed records that a replica's resources were created.
func (r *Recorder) Deployed(obj runtime.Object, serverName string) {
	r.rec.Eventf(obj, v1.EventTypeNormal, "Deployed", "cross-node replica %q created", serverName)
}

// Unloaded records that a replica's resources were torn down.
func (r *Recorder) Unloaded(obj runtime.Object, serverName string) {
	r.rec.Eventf(obj, v1.EventTypeNormal, "Unloaded", "cross-node replica %q removed", serverName)
}

// MasterLabeled records that discovery found and labeled a master pod.
func (r *Recorder) MasterLabeled(obj runtime.Object, serverName, ip string) {
	r.rec.Eventf(obj, v1.EventTypeNormal, "MasterLabeled", "replica %q master pod %s labeled", serverName, ip)
}

// DiscoveryFailed records that a replica's ranktable could not be
// interpreted and the replica was marked Failed.
func (r *Recorder) DiscoveryFailed(obj runtime.Object, serverName, reason string) {
	r.rec.Eventf(obj, v1.EventTypeWarning, "DiscoveryFailed", "replica %q: %s", serverName, reason)
}

// HealthTransition records a replica's health-state change.
func (r *Recorder) HealthTransition(obj runtime.Object, serverName, from, to string) {
	eventType := v1.EventTypeNormal
	if to == "Abnormal" {
		eventType = v1.EventTypeWarning
	}
	r.rec.Eventf(obj, eventType, "HealthTransition", "replica %q health %s -> %s", serverName, from, to)
}

// RecoveryOutcome records whether a recovery attempt recovered the
// replica or left it pending after exhausting retries.
func (r *Recorder) RecoveryOutcome(obj runtime.Object, serverName string, recovered bool) {
	if recovered {
		r.rec.Eventf(obj, v1.EventTypeNormal, "Recovered", "replica %q recovered", serverName)
		return
	}
	r.rec.Eventf(obj, v1.EventTypeWarning, "RecoveryPending", "replica %q still pending after exhausting recovery attempts", serverName)
}
