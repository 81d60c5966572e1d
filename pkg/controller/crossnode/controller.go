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

// Package crossnode is the InferenceController variant that backs a
// multi-pod replica with a K8s Deployment, discovers its master pod
// through a ranktable a peer operator populates, and restarts
// replicas whose master pod falls out of health.
//
// All API-server access goes through controller-runtime's typed
// client.Client, with failures classified via apierrors rather than
// raw status codes.
package crossnode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/verylucky01/mindie-motor/pkg/events"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/metrics"
	"github.com/verylucky01/mindie-motor/pkg/statusfile"
	"github.com/verylucky01/mindie-motor/pkg/utils/pretty"
)

// Options configures a Controller's background loop cadence and
// per-process limits. The zero value is not usable; build one with
// config.CrossNodeConfig's fields.
type Options struct {
	Namespace           string
	MaxInstances        int
	ProcessTLSEnabled   bool
	DiscoveryInterval   time.Duration
	MonitorInterval     time.Duration
	RecoveryMaxAttempts int
	RecoveryInterval    time.Duration
}

// Controller owns every replica's K8s resources, master-pod discovery,
// and health-based restart for one process. At any moment exactly one
// loop may mutate a given replica: the discovery loop owns it until it
// is labeled, the monitor loop once labeled, and recovery (which runs
// on the monitor goroutine) from the moment restoreState leaves
// RestoreNone — the tick guards below enforce this split. The
// controller-wide mutex guards the instances map and every *instance
// field read across goroutines.
type Controller struct {
	kube   client.Client
	prober Prober
	clock  clock.Clock
	status *statusfile.Handler
	opts   Options
	events *events.Recorder

	// settleDelay is how long recovery waits after deleting a replica's
	// resources before recreating them. Shortened in tests.
	settleDelay time.Duration

	mu        sync.Mutex
	instances map[string][]*instance // serverName -> one *instance per index

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Controller. Call Start to begin the discovery and
// monitor loops.
func New(kube client.Client, prober Prober, clk clock.Clock, status *statusfile.Handler, opts Options) *Controller {
	return &Controller{
		kube:        kube,
		prober:      prober,
		clock:       clk,
		status:      status,
		opts:        opts,
		settleDelay: 3 * time.Second,
		instances:   map[string][]*instance{},
		stopCh:      make(chan struct{}),
	}
}

// Start spawns the discovery and monitor loops. Idempotent only in the
// sense that calling it twice leaks a second pair of goroutines; the
// caller is expected to call it once at process startup, matching how
// Scheduler.Start is used.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.discoveryLoop(ctx)
	go c.monitorLoop(ctx)
}

// Stop signals both loops to exit and waits for them to drain.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// SetEventRecorder attaches the recorder the controller uses for
// replica lifecycle and health-transition Events. Left nil, the
// controller still functions; it simply records nothing.
func (c *Controller) SetEventRecorder(r *events.Recorder) {
	c.events = r
}

// Deploy validates config, creates its K8s resources, and persists a
// roster entry. Master-pod discovery and health monitoring proceed
// asynchronously once Deploy returns.
func (c *Controller) Deploy(ctx context.Context, cfg DeployConfig) error {
	if err := cfg.Validate(c.opts.MaxInstances, c.opts.ProcessTLSEnabled); err != nil {
		return err
	}
	logging.FromContext(ctx).Debugf("crossnode: deploying %s: %s", cfg.ServerName, pretty.Concise(cfg))

	c.mu.Lock()
	if _, exists := c.instances[cfg.ServerName]; exists {
		c.mu.Unlock()
		return merrors.New(merrors.KindOperationRepeat, merrors.ModuleCrossNode, "02", "01",
			fmt.Sprintf("crossnode: server %q already deployed", cfg.ServerName))
	}
	c.mu.Unlock()

	instances := make([]*instance, cfg.Replicas)
	for i := 0; i < cfg.Replicas; i++ {
		instances[i] = newInstance(i, cfg)
	}

	for _, in := range instances {
		if err := c.kube.Create(ctx, buildConfigMap(c.opts.Namespace, in)); err != nil {
			c.clearResourcesLocked(ctx, cfg.ServerName, instances)
			return merrors.Wrap(merrors.KindCallError, merrors.ModuleCrossNode, "02", "02", err,
				fmt.Sprintf("crossnode: creating configmap for %s", in.configMapName()))
		}
		if err := c.kube.Create(ctx, buildDeployment(c.opts.Namespace, in)); err != nil {
			c.clearResourcesLocked(ctx, cfg.ServerName, instances)
			return merrors.Wrap(merrors.KindCallError, merrors.ModuleCrossNode, "02", "03", err,
				fmt.Sprintf("crossnode: creating deployment for %s", in.deploymentName()))
		}
		in.phase = PhaseCreated
	}

	if err := c.kube.Create(ctx, buildService(c.opts.Namespace, cfg.ServerName, cfg.ServicePort)); err != nil {
		c.clearResourcesLocked(ctx, cfg.ServerName, instances)
		return merrors.Wrap(merrors.KindCallError, merrors.ModuleCrossNode, "02", "04", err,
			fmt.Sprintf("crossnode: creating service for %s", cfg.ServerName))
	}

	if err := c.status.Save(statusfile.Record{
		ServerName: cfg.ServerName,
		Namespace:  c.opts.Namespace,
		Replicas:   cfg.Replicas,
		ServerType: "cross_node",
		UseService: true,
	}); err != nil {
		logging.FromContext(ctx).Warnf("crossnode: persisting roster entry for %s: %v", cfg.ServerName, err)
	}

	c.mu.Lock()
	c.instances[cfg.ServerName] = instances
	c.mu.Unlock()

	if c.events != nil {
		c.events.Deployed(buildConfigMap(c.opts.Namespace, instances[0]), cfg.ServerName)
	}
	return nil
}

// Unload deletes every resource a server's Deploy created and forgets
// it. A subsequent Deploy with the same server_name succeeds, per the
// round-trip property: what FromJson rebuilds, Deploy could have built.
func (c *Controller) Unload(ctx context.Context, serverName string) error {
	c.mu.Lock()
	instances, ok := c.instances[serverName]
	if !ok {
		c.mu.Unlock()
		return merrors.New(merrors.KindNotFound, merrors.ModuleCrossNode, "02", "05",
			fmt.Sprintf("crossnode: server %q not found", serverName))
	}
	for _, in := range instances {
		in.phase = PhaseStopping
	}
	delete(c.instances, serverName)
	c.mu.Unlock()

	c.clearResourcesLocked(ctx, serverName, instances)
	if err := c.status.Remove(serverName); err != nil {
		logging.FromContext(ctx).Warnf("crossnode: removing roster entry for %s: %v", serverName, err)
	}
	if c.events != nil && len(instances) > 0 {
		c.events.Unloaded(buildConfigMap(c.opts.Namespace, instances[0]), serverName)
	}
	return nil
}

// clearResourcesLocked tears down a replica's resources: a best-effort,
// order-independent delete of every resource created so far. NotFound
// is swallowed; every other per-resource failure is combined into one
// multierr and logged once, rather than surfaced to the caller, since
// this runs on both the happy-path Unload and the Deploy failure path.
func (c *Controller) clearResourcesLocked(ctx context.Context, serverName string, instances []*instance) {
	log := logging.FromContext(ctx)
	var errs error
	for _, in := range instances {
		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: in.configMapName(), Namespace: c.opts.Namespace}}
		if err := c.kube.Delete(ctx, cm); err != nil && !apierrors.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("deleting configmap %s: %w", in.configMapName(), err))
		}
		dep := buildDeployment(c.opts.Namespace, in)
		if err := c.kube.Delete(ctx, dep); err != nil && !apierrors.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("deleting deployment %s: %w", in.deploymentName(), err))
		}
	}
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: serviceName(serverName), Namespace: c.opts.Namespace}}
	if err := c.kube.Delete(ctx, svc); err != nil && !apierrors.IsNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("deleting service %s: %w", serviceName(serverName), err))
	}
	if errs != nil {
		log.Warnf("crossnode: clearing resources for %s: %v", serverName, errs)
	}
}

// ranktable mirrors the subset of hccl.json the controller reads. Data
// that does not decode into this shape (including a wrongly-typed
// field) marks the replica Failed; a missing status reads as not yet
// completed and is retried on the next tick.
type ranktable struct {
	Status     string           `json:"status"`
	ServerList []ranktableEntry `json:"server_list"`
}

type ranktableEntry struct {
	ContainerIP string `json:"container_ip"`
}

// discoveryLoop scans every un-labeled replica once per tick.
func (c *Controller) discoveryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runDiscoveryTick(ctx)
		}
	}
}

func (c *Controller) runDiscoveryTick(ctx context.Context) {
	for _, serverName := range c.serverNames() {
		for _, in := range c.replicasOf(serverName) {
			c.mu.Lock()
			// A replica mid-recovery belongs to recoverInstance, which
			// runs its own discovery retries; scanning it here too would
			// race the pod patch and double-fire the labeled events.
			skip := in.labeled || in.phase == PhaseFailed || in.restoreState != RestoreNone
			c.mu.Unlock()
			if skip {
				continue
			}
			c.discoverOnce(ctx, serverName, in)
		}
	}
}

// discoverOnce implements one iteration of master-pod discovery for a single
// replica.
func (c *Controller) discoverOnce(ctx context.Context, serverName string, in *instance) {
	log := logging.FromContext(ctx)

	var cm corev1.ConfigMap
	key := types.NamespacedName{Name: in.configMapName(), Namespace: c.opts.Namespace}
	if err := c.kube.Get(ctx, key, &cm); err != nil {
		log.Debugf("crossnode: reading configmap %s: %v", in.configMapName(), err)
		return
	}

	var rt ranktable
	if err := json.Unmarshal([]byte(cm.Data[hcclDataKey]), &rt); err != nil {
		msg := fmt.Sprintf("crossnode: ranktable for %s is not valid JSON: %v", in.configMapName(), err)
		c.failInstance(in, msg)
		if c.events != nil {
			c.events.DiscoveryFailed(&cm, serverName, msg)
		}
		return
	}

	if rt.Status != "completed" {
		return // retry next tick
	}
	if len(rt.ServerList) < 2 || len(rt.ServerList) > 4 {
		msg := fmt.Sprintf("crossnode: ranktable for %s has %d server_list entries, want 2-4",
			in.configMapName(), len(rt.ServerList))
		c.failInstance(in, msg)
		if c.events != nil {
			c.events.DiscoveryFailed(&cm, serverName, msg)
		}
		return
	}

	log.Debugf("crossnode: ranktable for %s completed with server_list [%s]",
		in.configMapName(), pretty.Slice(containerIPs(rt.ServerList), 4))

	masterIP := rt.ServerList[0].ContainerIP
	if masterIP == "" {
		msg := fmt.Sprintf("crossnode: ranktable for %s has an empty master container_ip", in.configMapName())
		c.failInstance(in, msg)
		if c.events != nil {
			c.events.DiscoveryFailed(&cm, serverName, msg)
		}
		return
	}

	var pods corev1.PodList
	if err := c.kube.List(ctx, &pods, client.InNamespace(c.opts.Namespace)); err != nil {
		log.Warnf("crossnode: listing pods while searching for master ip %s: %v", masterIP, err)
		return
	}
	var master *corev1.Pod
	for i := range pods.Items {
		if pods.Items[i].Status.PodIP == masterIP {
			master = &pods.Items[i]
			break
		}
	}
	if master == nil {
		log.Debugf("crossnode: no pod with ip %s yet for %s", masterIP, in.configMapName())
		return
	}

	patched := master.DeepCopy()
	if patched.Labels == nil {
		patched.Labels = map[string]string{}
	}
	patched.Labels[masterNodeLabelKey] = masterLabelValue(serverName)
	if err := c.kube.Patch(ctx, patched, client.MergeFrom(master)); err != nil {
		log.Warnf("crossnode: labeling master pod %s: %v", master.Name, err)
		return
	}

	c.mu.Lock()
	in.masterPodIP = masterIP
	in.masterCreatedAt = c.clock.Now()
	in.labeled = true
	in.health = HealthUnready
	c.mu.Unlock()

	if c.events != nil {
		c.events.MasterLabeled(&cm, serverName, masterIP)
	}
}

func containerIPs(entries []ranktableEntry) []string {
	ips := make([]string, len(entries))
	for i, e := range entries {
		ips[i] = e.ContainerIP
	}
	return ips
}

func (c *Controller) failInstance(in *instance, msg string) {
	c.mu.Lock()
	in.phase = PhaseFailed
	in.failureMsg = msg
	c.mu.Unlock()
}

// monitorLoop probes every labeled replica's master pod every tick and
// applies the Unready/Ready/Abnormal transitions in monitorOnce.
func (c *Controller) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runMonitorTick(ctx)
		}
	}
}

func (c *Controller) runMonitorTick(ctx context.Context) {
	for _, serverName := range c.serverNames() {
		for _, in := range c.replicasOf(serverName) {
			c.mu.Lock()
			skip := (!in.labeled && in.restoreState == RestoreNone) || in.phase == PhaseFailed
			c.mu.Unlock()
			if skip {
				continue
			}
			c.monitorOnce(ctx, serverName, in)
		}
	}
}

func (c *Controller) monitorOnce(ctx context.Context, serverName string, in *instance) {
	c.mu.Lock()
	ip := in.masterPodIP
	masterCreatedAt := in.masterCreatedAt
	prevHealth := in.health
	cfg := in.config
	c.mu.Unlock()

	if prevHealth == HealthAbnormal {
		c.recoverInstance(ctx, serverName, in)
		return
	}

	path := readinessPath(cfg.InnerErrorDetection, cfg.LivenessTimeoutSeconds)
	ok := c.probeWithRetries(ctx, ip, cfg.MindieServer.ManagementPort, path, cfg)

	next := prevHealth
	switch {
	case prevHealth == HealthUnready && ok:
		next = HealthReady
	case prevHealth == HealthUnready && !ok:
		if c.clock.Now().Sub(masterCreatedAt) > time.Duration(cfg.InitDelaySeconds)*time.Second {
			next = HealthAbnormal
		} else {
			next = HealthUnready
		}
	case prevHealth == HealthReady && ok:
		next = HealthReady
	case prevHealth == HealthReady && !ok:
		next = HealthAbnormal
	}

	if next != prevHealth {
		metrics.CrossNodeReplicaTransitions.WithLabelValues(serverName, string(prevHealth)+"->"+string(next)).Inc()
		if c.events != nil {
			cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: in.configMapName(), Namespace: c.opts.Namespace}}
			c.events.HealthTransition(cm, serverName, string(prevHealth), string(next))
		}
	}

	c.mu.Lock()
	in.health = next
	if next == HealthAbnormal {
		in.masterPodIP = ""
	}
	c.mu.Unlock()

	if next == HealthAbnormal {
		c.recoverInstance(ctx, serverName, in)
	}
}

// probeWithRetries retries a failed probe up to
// liveness_failure_threshold-1 extra times before declaring failure.
func (c *Controller) probeWithRetries(ctx context.Context, ip string, port int, path string, cfg DeployConfig) bool {
	timeout := time.Duration(cfg.LivenessTimeoutSeconds) * time.Second
	attempts := cfg.LivenessFailureThreshold
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := c.prober.Probe(ctx, ip, port, path, timeout); err == nil {
			return true
		}
	}
	return false
}

// recoverInstance recovers an Abnormal replica: a destructive
// recreate gated on RestoreState so a retrying monitor tick never
// re-triggers it mid-recovery.
func (c *Controller) recoverInstance(ctx context.Context, serverName string, in *instance) {
	log := logging.FromContext(ctx)

	c.mu.Lock()
	state := in.restoreState
	c.mu.Unlock()

	if state == RestoreNone {
		c.mu.Lock()
		in.restoreState = RestoreRecreating
		c.mu.Unlock()

		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: in.configMapName(), Namespace: c.opts.Namespace}}
		if err := c.kube.Delete(ctx, cm); err != nil && !apierrors.IsNotFound(err) {
			log.Warnf("crossnode: recover: deleting configmap %s: %v", in.configMapName(), err)
		}
		dep := buildDeployment(c.opts.Namespace, in)
		if err := c.kube.Delete(ctx, dep); err != nil && !apierrors.IsNotFound(err) {
			log.Warnf("crossnode: recover: deleting deployment %s: %v", in.deploymentName(), err)
		}

		select {
		case <-time.After(c.settleDelay):
		case <-c.stopCh:
			return
		}

		if err := c.kube.Create(ctx, buildConfigMap(c.opts.Namespace, in)); err != nil {
			log.Warnf("crossnode: recover: recreating configmap %s: %v", in.configMapName(), err)
			metrics.CrossNodeRecoveryAttempts.WithLabelValues(serverName, "create_failed").Inc()
			return
		}
		if err := c.kube.Create(ctx, buildDeployment(c.opts.Namespace, in)); err != nil {
			log.Warnf("crossnode: recover: recreating deployment %s: %v", in.deploymentName(), err)
			metrics.CrossNodeRecoveryAttempts.WithLabelValues(serverName, "create_failed").Inc()
			return
		}

		c.mu.Lock()
		in.restoreState = RestorePending
		in.labeled = false
		in.masterPodIP = ""
		c.mu.Unlock()
	}

	for attempt := 0; attempt < c.opts.RecoveryMaxAttempts; attempt++ {
		c.discoverOnce(ctx, serverName, in)

		c.mu.Lock()
		labeled := in.labeled
		c.mu.Unlock()
		if labeled {
			c.mu.Lock()
			in.restoreState = RestoreNone
			in.health = HealthUnready
			c.mu.Unlock()
			metrics.CrossNodeRecoveryAttempts.WithLabelValues(serverName, "recovered").Inc()
			if c.events != nil {
				cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: in.configMapName(), Namespace: c.opts.Namespace}}
				c.events.RecoveryOutcome(cm, serverName, true)
			}
			return
		}

		select {
		case <-time.After(c.opts.RecoveryInterval):
		case <-c.stopCh:
			return
		}
	}

	metrics.CrossNodeRecoveryAttempts.WithLabelValues(serverName, "pending").Inc()
	log.Warnf("crossnode: %d recovery retries exhausted for %s, leaving state Pending", c.opts.RecoveryMaxAttempts, serverName)
	if c.events != nil {
		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: in.configMapName(), Namespace: c.opts.Namespace}}
		c.events.RecoveryOutcome(cm, serverName, false)
	}
}

// FromJson restores a prior replica from a persisted roster record
// without creating resources. It returns NotFound if the
// Deployment or Service the record describes is gone from the
// cluster, in which case the caller should discard the record.
func (c *Controller) FromJson(ctx context.Context, record statusfile.Record) (*DeployConfig, error) {
	var svc corev1.Service
	if err := c.kube.Get(ctx, types.NamespacedName{Name: serviceName(record.ServerName), Namespace: record.Namespace}, &svc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, merrors.New(merrors.KindNotFound, merrors.ModuleCrossNode, "03", "01",
				fmt.Sprintf("crossnode: service for %s is gone, discarding roster entry", record.ServerName))
		}
		return nil, merrors.Wrap(merrors.KindCallError, merrors.ModuleCrossNode, "03", "02", err,
			fmt.Sprintf("crossnode: reading service for %s", record.ServerName))
	}

	instances := make([]*instance, record.Replicas)
	var cfg DeployConfig
	for i := 0; i < record.Replicas; i++ {
		depName := deploymentName(record.ServerName, i)
		var dep appsv1.Deployment
		if err := c.kube.Get(ctx, types.NamespacedName{Name: depName, Namespace: record.Namespace}, &dep); err != nil {
			if apierrors.IsNotFound(err) {
				return nil, merrors.New(merrors.KindNotFound, merrors.ModuleCrossNode, "03", "03",
					fmt.Sprintf("crossnode: deployment %s is gone, discarding roster entry", depName))
			}
			return nil, merrors.Wrap(merrors.KindCallError, merrors.ModuleCrossNode, "03", "04", err,
				fmt.Sprintf("crossnode: reading deployment %s", depName))
		}
		var cm corev1.ConfigMap
		if err := c.kube.Get(ctx, types.NamespacedName{Name: configMapName(record.ServerName, i), Namespace: record.Namespace}, &cm); err != nil {
			return nil, merrors.New(merrors.KindNotFound, merrors.ModuleCrossNode, "03", "05",
				fmt.Sprintf("crossnode: configmap for %s/%d is gone, discarding roster entry", record.ServerName, i))
		}

		cfg = configFromDeployment(record.ServerName, record.Replicas, dep)
		in := newInstance(i, cfg)
		in.phase = PhaseCreated
		instances[i] = in
	}

	c.mu.Lock()
	c.instances[record.ServerName] = instances
	c.mu.Unlock()

	return &cfg, nil
}

func (c *Controller) serverNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.instances))
	for name := range c.instances {
		names = append(names, name)
	}
	return names
}

func (c *Controller) replicasOf(serverName string) []*instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*instance{}, c.instances[serverName]...)
}
