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

package scheduling

import (
	"sync"

	"github.com/verylucky01/mindie-motor/pkg/apis/request"
	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
)

// RoundRobin cycles through the fleet's node list (single-node mode) or
// prefill list (PD-disaggregated mode), picking the next available
// worker after the cursor left by the previous call. Both cursors
// pre-increment before every scan and a successful pick leaves the
// cursor sitting on the winning index, so the next call resumes past
// it rather than re-trying it immediately.
type RoundRobin struct {
	mu sync.Mutex

	singleIndex uint64
	pIndex      uint64
	// p2dIndex remembers, per prefill id, the last decode index handed
	// out from that prefill's peer list.
	p2dIndex map[worker.ID]int
}

// NewRoundRobin returns a RoundRobin whose single-node cursor sits
// just before the first index, so the first pick lands on index 0; the
// prefill cursor starts at 0 and pre-increments, so its first pick
// lands on index 1.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{singleIndex: ^uint64(0), p2dIndex: map[worker.ID]int{}}
}

func (r *RoundRobin) Pick(store *nodestore.Store, req request.Request) (request.Route, error) {
	return r.pick(store, available)
}

// pick is the shared entry point: CacheAffinity's fallback calls this
// directly with its own fractional-threshold predicate in place of the
// plain availability check.
func (r *RoundRobin) pick(store *nodestore.Store, pred func(*nodestore.Store, worker.ID) bool) (request.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := store.GetNodeList()
	prefill := store.GetPrefillList()

	// Single-node mode applies whenever the fleet has no prefill/decode
	// split; PD mode applies once any prefill worker is registered.
	if len(prefill) == 0 {
		return r.singleNode(store, nodes, pred)
	}
	return r.pdNode(store, prefill, pred)
}

func (r *RoundRobin) singleNode(store *nodestore.Store, nodes []worker.ID, pred func(*nodestore.Store, worker.ID) bool) (request.Route, error) {
	if len(nodes) == 0 {
		return request.Route{}, unavailable(merrors.ModuleScheduling, "01", "round robin: no registered nodes")
	}

	r.singleIndex = advance(r.singleIndex, uint64(len(nodes)))
	start := r.singleIndex
	for {
		id := nodes[r.singleIndex]
		if pred(store, id) {
			return request.SingleRoute(id), nil
		}
		r.singleIndex = advance(r.singleIndex, uint64(len(nodes)))
		if r.singleIndex == start {
			break
		}
	}
	return request.Route{}, unavailable(merrors.ModuleScheduling, "01", "round robin: no node meets availability")
}

func (r *RoundRobin) pdNode(store *nodestore.Store, prefill []worker.ID, pred func(*nodestore.Store, worker.ID) bool) (request.Route, error) {
	r.pIndex = advance(r.pIndex, uint64(len(prefill)))
	start := r.pIndex
	for {
		p := prefill[r.pIndex]
		if pred(store, p) {
			if d, ok := r.pickDecode(store, p, pred); ok {
				return request.PairRoute(p, d), nil
			}
		}
		r.pIndex = advance(r.pIndex, uint64(len(prefill)))
		if r.pIndex == start {
			break
		}
	}
	return request.Route{}, unavailable(merrors.ModuleScheduling, "01", "round robin: no prefill/decode pair available")
}

// pickDecode makes exactly one attempt at a decode peer of p. A failed
// attempt falls through to the next prefill candidate rather than
// scanning p's remaining decode peers.
func (r *RoundRobin) pickDecode(store *nodestore.Store, p worker.ID, pred func(*nodestore.Store, worker.ID) bool) (worker.ID, bool) {
	p2d := store.GetP2D()
	decodes, ok := p2d[p]
	if !ok || len(decodes) == 0 {
		return 0, false
	}

	idx, seen := r.p2dIndex[p]
	if seen {
		idx++
		if idx >= len(decodes) {
			idx = 0
		}
	} else {
		idx = 0
	}

	d := decodes[idx]
	if !pred(store, d) {
		return 0, false
	}
	r.p2dIndex[p] = idx
	return d, true
}

func advance(cur, size uint64) uint64 {
	cur++
	if cur >= size {
		return 0
	}
	return cur
}
