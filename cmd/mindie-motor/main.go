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

// Command mindie-motor is the control plane process: it loads config,
// wires the NodeStore, the active RoutingPolicy, the Scheduler, and
// the CrossNode InferenceController together, then blocks until
// signaled to stop. One controller-runtime manager supplies the K8s
// client, metrics, and health endpoints; there is no webhook server
// and no CRD scheme, since this process owns no custom resources of
// its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"
	"knative.dev/pkg/signals"
	controllerruntime "sigs.k8s.io/controller-runtime"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/verylucky01/mindie-motor/pkg/config"
	"github.com/verylucky01/mindie-motor/pkg/controller/crossnode"
	"github.com/verylucky01/mindie-motor/pkg/events"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/metrics"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
	"github.com/verylucky01/mindie-motor/pkg/registry"
	"github.com/verylucky01/mindie-motor/pkg/scheduler"
	"github.com/verylucky01/mindie-motor/pkg/scheduling"
	"github.com/verylucky01/mindie-motor/pkg/statusfile"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/mindie-motor/config.yaml", "path to the control plane config file")
	statusPath := flag.String("status-file", "/var/run/mindie-motor/status.json", "path to the replica status file")
	namespace := flag.String("namespace", "default", "namespace cross-node resources are created in")
	metricsAddr := flag.String("metrics-bind-address", ":8080", "controller-runtime metrics bind address")
	healthAddr := flag.String("health-probe-bind-address", ":8081", "controller-runtime health probe bind address")
	flag.Parse()

	ctx := signals.NewContext()

	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mindie-motor: building logger: %v\n", err)
		return 1
	}
	defer zapLog.Sync() //nolint:errcheck
	sugared := zapLog.Sugar()
	ctx = logging.WithLogger(ctx, sugared)
	crlog.SetLogger(zapr.NewLogger(zapLog))

	cfg, err := config.Load(*configPath)
	if err != nil {
		sugared.Errorf("mindie-motor: loading config: %v", err)
		return 1
	}

	restConfig, err := controllerruntime.GetConfig()
	if err != nil {
		sugared.Errorf("mindie-motor: loading kubeconfig: %v", err)
		return 1
	}
	mgr, err := controllerruntime.NewManager(restConfig, controllerruntime.Options{
		Metrics:                metricsserver.Options{BindAddress: *metricsAddr},
		HealthProbeBindAddress: *healthAddr,
	})
	if err != nil {
		sugared.Errorf("mindie-motor: building manager: %v", err)
		return 1
	}
	metrics.MustRegister()

	statusHandler, err := statusfile.New(*statusPath, cfg.CrossNode.MaxServers)
	if err != nil {
		sugared.Errorf("mindie-motor: opening status file: %v", err)
		return 1
	}

	reg := registry.Default()
	reg.RegisterPolicy("cache_affinity", func() scheduling.Policy {
		return scheduling.NewCacheAffinity(
			cfg.Scheduler.PrefixCache.CacheSize,
			cfg.Scheduler.PrefixCache.SlotsThresh,
			cfg.Scheduler.PrefixCache.BlockThresh,
		)
	})
	policy, err := reg.BuildPolicy(cfg.Scheduler.AlgorithmType)
	if err != nil {
		sugared.Errorf("mindie-motor: building routing policy %q: %v", cfg.Scheduler.AlgorithmType, err)
		return 1
	}

	store := nodestore.New()
	sched := scheduler.New(store, policy, 256)

	crossCtrl := crossnode.New(mgr.GetClient(), crossnode.NewHTTPProber(), clock.RealClock{}, statusHandler, crossnode.Options{
		Namespace:           *namespace,
		MaxInstances:        cfg.CrossNode.MaxInstances,
		ProcessTLSEnabled:   cfg.CrossNode.EnableTLS,
		DiscoveryInterval:   time.Duration(cfg.CrossNode.DiscoveryIntervalSeconds) * time.Second,
		MonitorInterval:     time.Duration(cfg.CrossNode.MonitorIntervalSeconds) * time.Second,
		RecoveryMaxAttempts: cfg.CrossNode.RecoveryMaxAttempts,
		RecoveryInterval:    time.Duration(cfg.CrossNode.RecoveryIntervalSeconds) * time.Second,
	})
	crossCtrl.SetEventRecorder(events.New(mgr.GetEventRecorderFor("mindie-motor")))

	restoreReplicas(ctx, crossCtrl, statusHandler, sugared)

	sched.Start(ctx)
	crossCtrl.Start(ctx)

	go func() {
		if err := config.Watch(ctx, *configPath, func(newCfg *config.Config) {
			sugared.Infof("mindie-motor: config reload: deploy_mode=%s algorithm_type=%s",
				newCfg.Scheduler.DeployMode, newCfg.Scheduler.AlgorithmType)
		}); err != nil {
			sugared.Warnf("mindie-motor: config watcher exited: %v", err)
		}
	}()

	if err := mgr.Start(ctx); err != nil {
		sugared.Errorf("mindie-motor: manager exited: %v", err)
		sched.Stop()
		crossCtrl.Stop()
		return 1
	}

	sched.Stop()
	crossCtrl.Stop()
	return 0
}

// restoreReplicas rehydrates every roster entry the status file still
// lists, discarding entries whose backing resources are gone rather
// than failing startup over one stale record.
func restoreReplicas(ctx context.Context, ctrl *crossnode.Controller, status *statusfile.Handler, log *zap.SugaredLogger) {
	records, err := status.Load()
	if err != nil {
		log.Warnf("mindie-motor: loading status file roster: %v", err)
		return
	}
	for _, record := range records {
		if _, err := ctrl.FromJson(ctx, record); err != nil {
			if merrors.Is(err, merrors.KindNotFound) {
				log.Warnf("mindie-motor: discarding stale roster entry for %s: %v", record.ServerName, err)
				if err := status.Remove(record.ServerName); err != nil {
					log.Warnf("mindie-motor: dropping stale roster entry for %s: %v", record.ServerName, err)
				}
				continue
			}
			log.Warnf("mindie-motor: restoring %s: %v", record.ServerName, err)
		}
	}
}
