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

// Internal (package crossnode, not crossnode_test) so tests can reach
// past Deploy/Unload into the discovery and monitor steps directly,
// the same way pkg/scheduling's LRU test reaches into its package.
package crossnode

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clocktesting "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/statusfile"
)

func TestCrossNode(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CrossNode Suite")
}

var ctx = context.Background()

func validConfig(name string) DeployConfig {
	return DeployConfig{
		ServerName:   name,
		Scheduler:    "default",
		ServiceType:  "NodePort",
		ServicePort:  30001,
		Replicas:     1,
		CrossNodeNum: 2,
		ResourceRequests: ResourceRequests{
			MemoryMiB:  2000,
			CPUCoreM:   4000,
			NPUType:    "Ascend910",
			NPUChipNum: 8,
		},
		InitDelaySeconds: 10,
		MindieServer: MindieServerConfig{
			InferPort:       8080,
			ManagementPort:  8081,
			EnableTLS:       false,
			MiesInstallPath: "/opt/mindie",
		},
		LivenessTimeoutSeconds:    5,
		ReadinessTimeoutSeconds:   5,
		LivenessFailureThreshold:  3,
		ReadinessFailureThreshold: 3,
	}
}

// fakeProber returns canned results keyed by ip, defaulting to failure
// for any ip it has not been told about.
type fakeProber struct {
	ok map[string]bool
}

func (p *fakeProber) set(ip string, ok bool) {
	if p.ok == nil {
		p.ok = map[string]bool{}
	}
	p.ok[ip] = ok
}

func (p *fakeProber) Probe(ctx context.Context, ip string, port int, path string, timeout time.Duration) error {
	if p.ok[ip] {
		return nil
	}
	return errors.New("probe failed")
}

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	Expect(corev1.AddToScheme(s)).To(Succeed())
	Expect(appsv1.AddToScheme(s)).To(Succeed())
	return s
}

var _ = Describe("Controller.Deploy", func() {
	var (
		kube   client.Client
		status *statusfile.Handler
		ctrl   *Controller
		prober *fakeProber
		fclock *clocktesting.FakeClock
	)

	BeforeEach(func() {
		kube = fake.NewClientBuilder().WithScheme(newScheme()).Build()
		var err error
		status, err = statusfile.New(filepath.Join(GinkgoT().TempDir(), "status.json"), 1)
		Expect(err).NotTo(HaveOccurred())
		prober = &fakeProber{}
		fclock = clocktesting.NewFakeClock(time.Now())
		ctrl = New(kube, prober, fclock, status, Options{
			Namespace:           "default",
			MaxInstances:        1,
			DiscoveryInterval:   time.Second,
			MonitorInterval:     3 * time.Second,
			RecoveryMaxAttempts: 10,
			RecoveryInterval:    3 * time.Second,
		})
	})

	It("rejects an invalid config without touching the cluster", func() {
		cfg := validConfig("srv")
		cfg.ServicePort = 1 // out of [30000, 32767]
		Expect(ctrl.Deploy(ctx, cfg)).To(HaveOccurred())

		var deps appsv1.DeploymentList
		Expect(kube.List(ctx, &deps)).To(Succeed())
		Expect(deps.Items).To(BeEmpty())
	})

	It("creates a ConfigMap, Deployment, and Service per replica", func() {
		cfg := validConfig("srv")
		Expect(ctrl.Deploy(ctx, cfg)).To(Succeed())

		var cm corev1.ConfigMap
		Expect(kube.Get(ctx, types.NamespacedName{Name: "rings-config-srv-deployment-0", Namespace: "default"}, &cm)).To(Succeed())
		Expect(cm.Labels["ring-controller.atlas"]).To(Equal("ascend-910b"))

		var dep appsv1.Deployment
		Expect(kube.Get(ctx, types.NamespacedName{Name: "srv-deployment-0", Namespace: "default"}, &dep)).To(Succeed())
		Expect(*dep.Spec.Replicas).To(Equal(int32(2)))

		var svc corev1.Service
		Expect(kube.Get(ctx, types.NamespacedName{Name: "srv-service", Namespace: "default"}, &svc)).To(Succeed())

		records, err := status.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].ServerName).To(Equal("srv"))
	})

	It("refuses to deploy the same server name twice", func() {
		cfg := validConfig("dup")
		Expect(ctrl.Deploy(ctx, cfg)).To(Succeed())
		Expect(ctrl.Deploy(ctx, cfg)).To(HaveOccurred())
	})

	It("removes every resource Deploy created on Unload, and a subsequent Deploy succeeds", func() {
		cfg := validConfig("rt")
		Expect(ctrl.Deploy(ctx, cfg)).To(Succeed())
		Expect(ctrl.Unload(ctx, "rt")).To(Succeed())

		var dep appsv1.Deployment
		err := kube.Get(ctx, types.NamespacedName{Name: "rt-deployment-0", Namespace: "default"}, &dep)
		Expect(err).To(HaveOccurred())

		Expect(ctrl.Deploy(ctx, cfg)).To(Succeed())
	})

	It("rehydrates a deployed replica's monitoring knobs from cluster state on FromJson", func() {
		cfg := validConfig("revive")
		Expect(ctrl.Deploy(ctx, cfg)).To(Succeed())

		// A fresh controller over the same cluster, as after a process
		// restart.
		restartedCtrl := New(kube, prober, fclock, status, ctrl.opts)
		restored, err := restartedCtrl.FromJson(ctx, statusfile.Record{
			ServerName: "revive",
			Namespace:  "default",
			Replicas:   1,
			ServerType: "cross_node",
			UseService: true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(restored.MindieServer.ManagementPort).To(Equal(cfg.MindieServer.ManagementPort))
		Expect(restored.InitDelaySeconds).To(Equal(cfg.InitDelaySeconds))
		Expect(restored.LivenessTimeoutSeconds).To(Equal(cfg.LivenessTimeoutSeconds))
		Expect(restored.LivenessFailureThreshold).To(Equal(cfg.LivenessFailureThreshold))
		Expect(restored.CrossNodeNum).To(Equal(cfg.CrossNodeNum))

		ins := restartedCtrl.replicasOf("revive")
		Expect(ins).To(HaveLen(1))
		Expect(ins[0].phase).To(Equal(PhaseCreated))
		Expect(ins[0].labeled).To(BeFalse())
	})

	It("returns NotFound from FromJson for a record whose resources are gone", func() {
		_, err := ctrl.FromJson(ctx, statusfile.Record{ServerName: "ghost", Namespace: "default", Replicas: 1})
		Expect(err).To(HaveOccurred())
		Expect(merrors.Is(err, merrors.KindNotFound)).To(BeTrue())
	})
})

var _ = Describe("master pod discovery and recovery", func() {
	var (
		kube   client.Client
		status *statusfile.Handler
		ctrl   *Controller
		prober *fakeProber
		fclock *clocktesting.FakeClock
		cfg    DeployConfig
	)

	BeforeEach(func() {
		kube = fake.NewClientBuilder().WithScheme(newScheme()).Build()
		var err error
		status, err = statusfile.New(filepath.Join(GinkgoT().TempDir(), "status.json"), 1)
		Expect(err).NotTo(HaveOccurred())
		prober = &fakeProber{}
		fclock = clocktesting.NewFakeClock(time.Now())
		ctrl = New(kube, prober, fclock, status, Options{
			Namespace:           "default",
			MaxInstances:        1,
			DiscoveryInterval:   time.Second,
			MonitorInterval:     3 * time.Second,
			RecoveryMaxAttempts: 3,
			RecoveryInterval:    time.Millisecond,
		})
		ctrl.settleDelay = time.Millisecond
		cfg = validConfig("master-test")
		Expect(ctrl.Deploy(ctx, cfg)).To(Succeed())
	})

	completeRanktable := func(ip string) *corev1.ConfigMap {
		var cm corev1.ConfigMap
		Expect(kube.Get(ctx, types.NamespacedName{Name: "rings-config-master-test-deployment-0", Namespace: "default"}, &cm)).To(Succeed())
		cm.Data["hccl.json"] = `{"status":"completed","server_list":[{"container_ip":"` + ip + `"},{"container_ip":"10.0.0.2"}]}`
		Expect(kube.Update(ctx, &cm)).To(Succeed())
		return &cm
	}

	makePod := func(ip string) {
		Expect(kube.Create(ctx, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "pod-" + ip, Namespace: "default"},
			Status:     corev1.PodStatus{PodIP: ip},
		})).To(Succeed())
	}

	replica := func(serverName string, index int) *instance {
		return ctrl.replicasOf(serverName)[index]
	}

	It("labels the pod named by server_list[0].container_ip once the ranktable completes", func() {
		makePod("10.0.0.1")
		completeRanktable("10.0.0.1")

		ctrl.discoverOnce(ctx, "master-test", replica("master-test", 0))

		var pod corev1.Pod
		Expect(kube.Get(ctx, types.NamespacedName{Name: "pod-10.0.0.1", Namespace: "default"}, &pod)).To(Succeed())
		Expect(pod.Labels["cross-node-app"]).To(Equal("master-test-master-node"))
		Expect(replica("master-test", 0).labeled).To(BeTrue())
	})

	It("fails the replica on a malformed ranktable instead of retrying forever", func() {
		var cm corev1.ConfigMap
		Expect(kube.Get(ctx, types.NamespacedName{Name: "rings-config-master-test-deployment-0", Namespace: "default"}, &cm)).To(Succeed())
		cm.Data["hccl.json"] = `{"status":"completed","server_list":[]}`
		Expect(kube.Update(ctx, &cm)).To(Succeed())

		ctrl.discoverOnce(ctx, "master-test", replica("master-test", 0))
		Expect(replica("master-test", 0).phase).To(Equal(PhaseFailed))
	})

	It("transitions Unready to Abnormal once init_delay has elapsed without a healthy probe", func() {
		makePod("10.0.0.9")
		completeRanktable("10.0.0.9")
		ctrl.discoverOnce(ctx, "master-test", replica("master-test", 0))

		prober.set("10.0.0.9", false)
		fclock.Step(time.Duration(cfg.InitDelaySeconds+1) * time.Second)
		ctrl.monitorOnce(ctx, "master-test", replica("master-test", 0))

		Expect(replica("master-test", 0).health).To(Equal(HealthAbnormal))
	})

	It("recreates an abnormal replica, parks it Pending while the ranktable is cold, then relabels the new master", func() {
		makePod("10.0.1.1")
		completeRanktable("10.0.1.1")
		in := replica("master-test", 0)
		ctrl.discoverOnce(ctx, "master-test", in)
		Expect(in.labeled).To(BeTrue())

		// The master goes dark past init_delay: the monitor declares the
		// replica Abnormal, recovery deletes and recreates its resources,
		// and every relabel retry fails against the freshly initializing
		// ranktable, so the replica is left Pending with no second
		// destructive recreate queued.
		prober.set("10.0.1.1", false)
		fclock.Step(time.Duration(cfg.InitDelaySeconds+1) * time.Second)
		ctrl.monitorOnce(ctx, "master-test", in)

		Expect(in.health).To(Equal(HealthAbnormal))
		Expect(in.restoreState).To(Equal(RestorePending))
		Expect(in.labeled).To(BeFalse())

		var cm corev1.ConfigMap
		Expect(kube.Get(ctx, types.NamespacedName{Name: "rings-config-master-test-deployment-0", Namespace: "default"}, &cm)).To(Succeed())
		Expect(cm.Data["hccl.json"]).To(ContainSubstring("initializing"))
		var dep appsv1.Deployment
		Expect(kube.Get(ctx, types.NamespacedName{Name: "master-test-deployment-0", Namespace: "default"}, &dep)).To(Succeed())

		// A Pending replica belongs to recovery; the discovery tick must
		// not race it back to labeled.
		ctrl.runDiscoveryTick(ctx)
		Expect(in.labeled).To(BeFalse())

		// The operator completes the new ranktable: the next monitor
		// tick's recovery retry relabels the new master pod and restarts
		// the init_delay window from Unready.
		makePod("10.0.1.2")
		completeRanktable("10.0.1.2")
		ctrl.monitorOnce(ctx, "master-test", in)

		Expect(in.restoreState).To(Equal(RestoreNone))
		Expect(in.labeled).To(BeTrue())
		Expect(in.health).To(Equal(HealthUnready))
		Expect(in.masterPodIP).To(Equal("10.0.1.2"))

		var pod corev1.Pod
		Expect(kube.Get(ctx, types.NamespacedName{Name: "pod-10.0.1.2", Namespace: "default"}, &pod)).To(Succeed())
		Expect(pod.Labels["cross-node-app"]).To(Equal("master-test-master-node"))
	})
})
