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

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	ringControllerLabelKey   = "ring-controller.atlas"
	ringControllerLabelValue = "ascend-910b"
	deployNameLabelKey       = "deploy-name"
	masterNodeLabelKey       = "cross-node-app"
	hostnameTopologyKey      = "kubernetes.io/hostname"
	hcclDataKey              = "hccl.json"

	// npuResourceName is the extended resource name Ascend device
	// plugins advertise to the scheduler.
	npuResourceName corev1.ResourceName = "huawei.com/ascend-910"
)

func buildConfigMap(namespace string, in *instance) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      in.configMapName(),
			Namespace: namespace,
			Labels: map[string]string{
				ringControllerLabelKey: ringControllerLabelValue,
			},
		},
		Data: map[string]string{
			hcclDataKey: `{"status":"initializing"}`,
		},
	}
}

func buildDeployment(namespace string, in *instance) *appsv1.Deployment {
	cfg := in.config
	deployLabel := deployLabelValue(cfg.ServerName, in.index)
	labels := map[string]string{
		deployNameLabelKey: deployLabel,
	}

	requests := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cfg.ResourceRequests.CPUCoreM), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(int64(cfg.ResourceRequests.MemoryMiB)*1024*1024, resource.BinarySI),
		npuResourceName:       *resource.NewQuantity(int64(cfg.ResourceRequests.NPUChipNum), resource.DecimalSI),
	}
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cfg.ResourceRequests.CPUCoreM)*2, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(int64(cfg.ResourceRequests.MemoryMiB)*2*1024*1024, resource.BinarySI),
		npuResourceName:       *resource.NewQuantity(int64(cfg.ResourceRequests.NPUChipNum), resource.DecimalSI),
	}

	envVars := []corev1.EnvVar{
		{Name: "MINDIE_SERVER_DISTRIBUTE", Value: "1"},
		{Name: "MINDIE_SERVER_PROBE_ONLY", Value: "1"},
		{Name: "RANK_TABLE_FILE", Value: "/mnt/ranktable/" + hcclDataKey},
		{Name: "MIES_CONFIG_JSON_PATH", Value: cfg.MindieServer.MiesInstallPath + "/conf/config.json"},
		{Name: "MIES_INSTALL_PATH", Value: cfg.MindieServer.MiesInstallPath},
		{Name: "MINDIE_USE_HTTPS", Value: boolToEnv(cfg.MindieServer.EnableTLS)},
		{
			Name: "POD_IP",
			ValueFrom: &corev1.EnvVarSource{
				FieldRef: &corev1.ObjectFieldSelector{FieldPath: "status.podIP"},
			},
		},
	}

	pollCommand := []string{"/bin/sh", "-ec", pollAndLaunchScript}

	replicas := int32(cfg.CrossNodeNum)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        in.deploymentName(),
			Namespace:   namespace,
			Labels:      labels,
			Annotations: deploymentAnnotations(cfg),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Affinity: &corev1.Affinity{
						PodAntiAffinity: &corev1.PodAntiAffinity{
							RequiredDuringSchedulingIgnoredDuringExecution: []corev1.PodAffinityTerm{{
								TopologyKey: hostnameTopologyKey,
								LabelSelector: &metav1.LabelSelector{
									MatchLabels: map[string]string{deployNameLabelKey: deployLabel},
								},
							}},
						},
					},
					Volumes: []corev1.Volume{{
						Name: "ranktable",
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: in.configMapName()},
							},
						},
					}},
					Containers: []corev1.Container{{
						Name:    "mindie-server",
						Command: pollCommand,
						Env:     envVars,
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "ranktable",
							MountPath: "/mnt/ranktable",
						}},
						Resources: corev1.ResourceRequirements{
							Requests: requests,
							Limits:   limits,
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								Exec: &corev1.ExecAction{
									Command: []string{"/bin/sh", "/opt/mindie/probe.sh"},
								},
							},
							TimeoutSeconds:   int32(cfg.ReadinessTimeoutSeconds),
							FailureThreshold: int32(cfg.ReadinessFailureThreshold),
						},
					}},
				},
			},
		},
	}
}

// pollAndLaunchScript is the in-container poll loop: wait for the
// mounted ranktable to report completion, copy it somewhere writable,
// then launch the server.
const pollAndLaunchScript = `
while true; do
  status=$(grep -o '"status"[^,}]*' /mnt/ranktable/hccl.json | grep -o 'completed' || true)
  if [ "$status" = "completed" ]; then
    cp /mnt/ranktable/hccl.json /tmp/hccl.json
    break
  fi
  sleep 1
done
exec /opt/mindie/bin/mindie-server
`

func buildService(namespace string, serverName string, port int) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceName(serverName),
			Namespace: namespace,
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeNodePort,
			Selector: map[string]string{
				masterNodeLabelKey: masterLabelValue(serverName),
			},
			Ports: []corev1.ServicePort{{
				Port:       int32(port),
				TargetPort: intstr.FromInt(port),
				NodePort:   int32(port),
			}},
		},
	}
}

// deploymentAnnotations records the subset of DeployConfig that
// FromJson needs to rehydrate a replica's monitoring
// parameters on restore, since the Deployment spec itself does not
// carry liveness/readiness knobs or the mindie management port.
func deploymentAnnotations(cfg DeployConfig) map[string]string {
	return map[string]string{
		"mindie-motor.io/mindie-port":         strconv.Itoa(cfg.MindieServer.ManagementPort),
		"mindie-motor.io/init-delay":          strconv.Itoa(cfg.InitDelaySeconds),
		"mindie-motor.io/liveness-timeout":    strconv.Itoa(cfg.LivenessTimeoutSeconds),
		"mindie-motor.io/readiness-timeout":   strconv.Itoa(cfg.ReadinessTimeoutSeconds),
		"mindie-motor.io/liveness-threshold":  strconv.Itoa(cfg.LivenessFailureThreshold),
		"mindie-motor.io/readiness-threshold": strconv.Itoa(cfg.ReadinessFailureThreshold),
		"mindie-motor.io/cross-node-num":      strconv.Itoa(cfg.CrossNodeNum),
		"mindie-motor.io/service-port":        strconv.Itoa(cfg.ServicePort),
	}
}

func boolToEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// configFromDeployment rehydrates the subset of DeployConfig that
// FromJson needs from a Deployment's annotations and replica count. It
// is intentionally partial: only the fields the monitor and discovery
// loops read survive a restore; anything the original Deploy call
// validated is gone once the process restarts, which is why
// restoration never recreates resources, only resumes watching them.
func configFromDeployment(serverName string, replicas int, dep appsv1.Deployment) DeployConfig {
	ann := dep.Annotations
	atoi := func(key string) int {
		v, _ := strconv.Atoi(ann[key])
		return v
	}
	return DeployConfig{
		ServerName:   serverName,
		Replicas:     replicas,
		CrossNodeNum: atoi("mindie-motor.io/cross-node-num"),
		ServicePort:  atoi("mindie-motor.io/service-port"),
		MindieServer: MindieServerConfig{
			ManagementPort: atoi("mindie-motor.io/mindie-port"),
		},
		InitDelaySeconds:          atoi("mindie-motor.io/init-delay"),
		LivenessTimeoutSeconds:    atoi("mindie-motor.io/liveness-timeout"),
		ReadinessTimeoutSeconds:   atoi("mindie-motor.io/readiness-timeout"),
		LivenessFailureThreshold:  atoi("mindie-motor.io/liveness-threshold"),
		ReadinessFailureThreshold: atoi("mindie-motor.io/readiness-threshold"),
	}
}
