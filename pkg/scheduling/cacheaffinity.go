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
	"encoding/json"
	"hash/fnv"

	"github.com/verylucky01/mindie-motor/pkg/apis/request"
	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
)

// CacheAffinity routes a single-node request to the worker that last
// served the same conversation prefix, falling back to RoundRobin when
// there is no cached pick or the cached worker no longer clears the
// availability thresholds.
type CacheAffinity struct {
	cache       *lru
	fallback    *RoundRobin
	slotsThresh float64
	blockThresh float64
}

// NewCacheAffinity returns a CacheAffinity with an LRU of the given
// capacity and the given availability thresholds.
func NewCacheAffinity(capacity int, slotsThresh, blockThresh float64) *CacheAffinity {
	return &CacheAffinity{
		cache:       newLRU(capacity),
		fallback:    NewRoundRobin(),
		slotsThresh: slotsThresh,
		blockThresh: blockThresh,
	}
}

func (c *CacheAffinity) Pick(store *nodestore.Store, req request.Request) (request.Route, error) {
	var messages []json.RawMessage
	if err := json.Unmarshal([]byte(req.Body), &messages); err != nil || len(messages) == 0 {
		return request.Route{}, merrors.New(merrors.KindInvalidInput, merrors.ModuleScheduling, "02", "01",
			"cache affinity: body is not a non-empty JSON array")
	}

	if len(messages) <= 2 {
		return c.firstTurn(store, messages)
	}

	historyHash := hashMessages(messages[:len(messages)-2])
	newHash := hashMessages(messages)
	if historyHash == "" || newHash == "" {
		// A zero hash is a pre-processing failure; downgrade to a plain
		// pick with no cache bookkeeping at all.
		return c.fallback.pick(store, c.available)
	}

	if cached, ok := c.cache.Get(historyHash); ok && c.available(store, cached) {
		c.cache.UpdateKey(historyHash, newHash)
		return request.SingleRoute(cached), nil
	}

	return c.roundRobinFallback(store, historyHash, newHash)
}

func (c *CacheAffinity) firstTurn(store *nodestore.Store, messages []json.RawMessage) (request.Route, error) {
	h := hashMessages(messages)
	route, err := c.fallback.pick(store, c.available)
	if err != nil {
		return request.Route{}, err
	}
	if h != "" {
		c.cache.Put(h, route.Single)
	}
	return route, nil
}

// roundRobinFallback handles a cache miss or a cached worker that no
// longer clears the thresholds: pick via RoundRobin; on success, erase
// historyHash (if present) and record newHash against the fresh pick,
// otherwise surface the Unavailable error as-is.
func (c *CacheAffinity) roundRobinFallback(store *nodestore.Store, historyHash, newHash string) (request.Route, error) {
	route, err := c.fallback.pick(store, c.available)
	if err != nil {
		return request.Route{}, err
	}
	c.cache.Delete(historyHash)
	c.cache.Put(newHash, route.Single)
	return route, nil
}

func (c *CacheAffinity) available(store *nodestore.Store, id worker.ID) bool {
	static, dynamic, ok := store.GetByID(id)
	if !ok || static.TotalSlots == 0 || static.TotalBlocks == 0 {
		return false
	}
	slotsFrac := float64(dynamic.AvailSlots) / float64(static.TotalSlots)
	blockFrac := float64(dynamic.AvailBlocks) / float64(static.TotalBlocks)
	return slotsFrac > c.slotsThresh && blockFrac > c.blockThresh
}

// hashMessages hashes the serialized message slice with FNV-1a. A zero
// sum is reserved as the pre-processing failure marker, reported as "".
func hashMessages(messages []json.RawMessage) string {
	h := fnv.New64a()
	for _, m := range messages {
		_, _ = h.Write(m)
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == 0 {
		return ""
	}
	return fnvHex(sum)
}

func fnvHex(v uint64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hex[v&0xf]
		v >>= 4
	}
	return string(b)
}
