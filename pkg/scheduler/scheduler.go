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

// Package scheduler adapts an asynchronous Submit/callback API onto a
// two-stage internal pipeline: one goroutine evaluates the routing
// policy, a second invokes the caller's dispatch callback. Both stages
// are driven off buffered channels rather than explicit queues.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"knative.dev/pkg/logging"

	"github.com/verylucky01/mindie-motor/pkg/apis/request"
	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/metrics"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
	"github.com/verylucky01/mindie-motor/pkg/scheduling"
)

// SingleCallback is invoked once a single-node Route has been decided.
type SingleCallback func(reqID string, worker request.Route)

// PairCallback is invoked once a prefill/decode Route has been decided.
type PairCallback func(reqID string, route request.Route)

type scheduleItem struct {
	req request.Request
	// traceID correlates one submission across every re-queue attempt
	// in the logs; it never leaves the process and is unrelated to
	// req.ID, which is caller-supplied and may repeat across Submits.
	traceID string
}

type dispatchItem struct {
	reqID string
	route request.Route
}

// Scheduler owns the NodeStore exclusively and lends it to the active
// policy for the duration of a single Pick; no other component holds
// a long-lived reference to the store.
type Scheduler struct {
	store      *nodestore.Store
	policy     scheduling.Policy
	policyName string

	scheduleCh chan scheduleItem
	dispatchCh chan dispatchItem
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	started  bool
	singleCb SingleCallback
	pairCb   PairCallback
}

// New returns a Scheduler bound to store, dispatching through policy.
// queueDepth bounds both internal channels. requeue sends a failed pick
// back onto scheduleCh from inside scheduleWorker itself, the channel's
// sole reader, so scheduleCh can never be unbuffered: queueDepth is
// clamped to at least 1, and requeue never blocks on a full channel.
func New(store *nodestore.Store, policy scheduling.Policy, queueDepth int) *Scheduler {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Scheduler{
		store:      store,
		policy:     policy,
		policyName: fmt.Sprintf("%T", policy),
		scheduleCh: make(chan scheduleItem, queueDepth),
		dispatchCh: make(chan dispatchItem, queueDepth),
		stopCh:     make(chan struct{}),
	}
}

// Start spawns the schedule-worker and dispatch-worker goroutines.
// Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(2)
	go s.scheduleWorker(ctx)
	go s.dispatchWorker(ctx)
}

// Stop signals both workers to exit and waits for them to drain.
// Safe to call from any goroutine, any number of times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Register, Update, and Remove delegate to the NodeStore.
func (s *Scheduler) Register(ctx context.Context, infos []worker.StaticInfo) {
	s.store.Register(ctx, infos)
}

func (s *Scheduler) Update(ctx context.Context, infos []worker.DynamicInfo) {
	s.store.Update(ctx, infos)
}

func (s *Scheduler) Remove(ctx context.Context, ids []worker.ID) {
	s.store.Remove(ctx, ids)
}

// RegisterSingleCallback installs the sink for single-node routing
// decisions.
func (s *Scheduler) RegisterSingleCallback(cb SingleCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singleCb = cb
}

// RegisterPairCallback installs the sink for PD-disaggregated routing
// decisions.
func (s *Scheduler) RegisterPairCallback(cb PairCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairCb = cb
}

// Submit enqueues req and returns immediately. The scheduler does not
// reject on a full queue; backpressure is the caller's responsibility.
func (s *Scheduler) Submit(req request.Request) {
	s.scheduleCh <- scheduleItem{req: req, traceID: uuid.NewString()}
	metrics.ScheduleQueueDepth.WithLabelValues().Set(float64(len(s.scheduleCh)))
}

func (s *Scheduler) scheduleWorker(ctx context.Context) {
	defer s.wg.Done()
	log := logging.FromContext(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case item := <-s.scheduleCh:
			metrics.ScheduleQueueDepth.WithLabelValues().Set(float64(len(s.scheduleCh)))
			if s.policy == nil {
				log.Warnf("scheduler: no policy configured, re-queuing request %s (trace %s)", item.req.ID, item.traceID)
				s.requeue(item)
				continue
			}

			route, err := s.policy.Pick(s.store, item.req)
			if err != nil {
				if merrors.Is(err, merrors.KindUnavailable) {
					log.Debugf("scheduler: request %s found no worker, re-queuing (trace %s)", item.req.ID, item.traceID)
					metrics.SchedulePicksTotal.WithLabelValues(s.policyName, "retry").Inc()
					s.requeue(item)
					continue
				}
				log.Warnf("scheduler: request %s dropped after fatal policy error: %v (trace %s)", item.req.ID, err, item.traceID)
				metrics.SchedulePicksTotal.WithLabelValues(s.policyName, "fatal").Inc()
				continue
			}
			metrics.SchedulePicksTotal.WithLabelValues(s.policyName, "ok").Inc()

			select {
			case s.dispatchCh <- dispatchItem{reqID: item.req.ID, route: route}:
			case <-s.stopCh:
				return
			}
		}
	}
}

// requeue pushes item back onto the tail of scheduleCh without
// blocking the worker loop. When concurrent Submits have filled the
// slot the worker just freed, the send is handed to a goroutine that
// waits for room or shutdown.
func (s *Scheduler) requeue(item scheduleItem) {
	select {
	case s.scheduleCh <- item:
		return
	default:
	}
	go func() {
		select {
		case s.scheduleCh <- item:
		case <-s.stopCh:
		}
	}()
}

func (s *Scheduler) dispatchWorker(ctx context.Context) {
	defer s.wg.Done()
	log := logging.FromContext(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case item := <-s.dispatchCh:
			s.dispatch(log, item)
		}
	}
}

func (s *Scheduler) dispatch(log interface {
	Warnf(string, ...interface{})
}, item dispatchItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("scheduler: dispatch callback for %s panicked: %v", item.reqID, r)
		}
	}()

	s.mu.Lock()
	singleCb, pairCb := s.singleCb, s.pairCb
	s.mu.Unlock()

	if item.route.IsPair {
		if pairCb != nil {
			pairCb(item.reqID, item.route)
		}
		return
	}
	if singleCb != nil {
		singleCb(item.reqID, item.route)
	}
}
