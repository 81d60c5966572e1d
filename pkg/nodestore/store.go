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

// Package nodestore is the threadsafe repository of worker static
// info, dynamic info, and the prefill<->decode peering graph.
package nodestore

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/metrics"
)

// Store is the authoritative, in-memory view of the worker fleet. A
// single mutex guards all five internal structures; readers always
// receive copies so no lock is held across policy evaluation.
type Store struct {
	mu sync.Mutex

	indexList   []worker.ID
	staticMap   map[worker.ID]worker.StaticInfo
	dynamicMap  map[worker.ID]worker.DynamicInfo
	prefillList []worker.ID
	// d2p[d] is the set of prefill ids a decode worker reported as
	// peers. p2d is always derived from the union of d2p entries.
	d2p map[worker.ID][]worker.ID
	p2d map[worker.ID][]worker.ID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		staticMap:  map[worker.ID]worker.StaticInfo{},
		dynamicMap: map[worker.ID]worker.DynamicInfo{},
		d2p:        map[worker.ID][]worker.ID{},
		p2d:        map[worker.ID][]worker.ID{},
	}
}

// Register idempotently adds workers. An id already present is a
// logged no-op for that id; it never fails the batch.
func (s *Store) Register(ctx context.Context, infos []worker.StaticInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logging.FromContext(ctx)
	for _, info := range infos {
		if _, exists := s.staticMap[info.ID]; exists {
			log.Debugf("nodestore: worker %s already registered, skipping", info.ID)
			continue
		}
		s.staticMap[info.ID] = info
		s.indexList = append(s.indexList, info.ID)
		if info.Role == worker.RolePrefill {
			s.prefillList = append(s.prefillList, info.ID)
		}
	}
	metrics.NodeStoreWorkers.WithLabelValues().Set(float64(len(s.indexList)))
}

// Remove deletes the given ids from every internal structure. Missing
// ids are ignored.
func (s *Store) Remove(ctx context.Context, ids []worker.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toRemove := map[worker.ID]bool{}
	for _, id := range ids {
		toRemove[id] = true
	}
	before := len(s.indexList)
	s.indexList = lo.Filter(s.indexList, func(id worker.ID, _ int) bool { return !toRemove[id] })
	s.prefillList = lo.Filter(s.prefillList, func(id worker.ID, _ int) bool { return !toRemove[id] })
	for id := range toRemove {
		delete(s.staticMap, id)
		delete(s.dynamicMap, id)
		delete(s.d2p, id)
	}
	for d, peers := range s.d2p {
		s.d2p[d] = lo.Filter(peers, func(id worker.ID, _ int) bool { return !toRemove[id] })
	}
	s.rebuildP2DLocked()
	logging.FromContext(ctx).Debugf("nodestore: removed %d of %d requested workers", before-len(s.indexList), len(ids))
	metrics.NodeStoreWorkers.WithLabelValues().Set(float64(len(s.indexList)))
}

// Update replaces dynamic records wholesale. For Decode records it
// rebuilds d2p[id] from the reported peers, then rebuilds p2d in full
// from the union of all d2p entries; p2d is never mutated directly.
func (s *Store) Update(ctx context.Context, infos []worker.DynamicInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logging.FromContext(ctx)
	for _, info := range infos {
		static, ok := s.staticMap[info.ID]
		if !ok {
			log.Warnf("nodestore: update for unregistered worker %s, skipping", info.ID)
			continue
		}
		s.dynamicMap[info.ID] = info
		if static.Role == worker.RoleDecode {
			s.d2p[info.ID] = append([]worker.ID{}, info.Peers...)
		}
	}
	s.rebuildP2DLocked()
}

// rebuildP2DLocked derives p2d from the union of all d2p entries. Must
// be called with mu held. Decode ids are visited in sorted order so the
// per-prefill peer lists come out the same on every rebuild; round
// robin's per-prefill decode cursor indexes into these lists and would
// otherwise pair nondeterministically.
func (s *Store) rebuildP2DLocked() {
	decodes := make([]worker.ID, 0, len(s.d2p))
	for d := range s.d2p {
		decodes = append(decodes, d)
	}
	sort.Slice(decodes, func(i, j int) bool { return decodes[i] < decodes[j] })

	p2d := map[worker.ID][]worker.ID{}
	for _, d := range decodes {
		for _, p := range s.d2p[d] {
			p2d[p] = append(p2d[p], d)
		}
	}
	s.p2d = p2d
}

// GetByID returns the static and dynamic records for id, false if the
// worker is not currently registered.
func (s *Store) GetByID(id worker.ID) (worker.StaticInfo, worker.DynamicInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	static, ok := s.staticMap[id]
	if !ok {
		return worker.StaticInfo{}, worker.DynamicInfo{}, false
	}
	return static, s.dynamicMap[id], true
}

// GetNodeList returns a copy of every registered worker id.
func (s *Store) GetNodeList() []worker.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.ID{}, s.indexList...)
}

// GetPrefillList returns a copy of every registered Prefill worker id.
func (s *Store) GetPrefillList() []worker.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.ID{}, s.prefillList...)
}

// GetP2D returns a copy of the prefill-to-decode peering map.
func (s *Store) GetP2D() map[worker.ID][]worker.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[worker.ID][]worker.ID, len(s.p2d))
	for p, ds := range s.p2d {
		out[p] = append([]worker.ID{}, ds...)
	}
	return out
}

// Len returns the number of registered workers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.indexList)
}
