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
	"container/list"
	"sync"

	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
)

// lru is a fixed-capacity cache keyed by a conversation-history hash,
// ordered by insertion/refresh rather than access. It exists to
// support CacheAffinity; nothing outside this package needs it.
type lru struct {
	mu       sync.RWMutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value worker.ID
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		ll:       list.New(),
		items:    map[string]*list.Element{},
	}
}

// Get returns the worker for key without disturbing its position: this
// cache orders by insertion/refresh, not by access, so a lookup alone
// is never activity.
func (c *lru) Get(key string) (worker.ID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.items[key]
	if !ok {
		return 0, false
	}
	return el.Value.(*lruEntry).value, true
}

// Put inserts or refreshes key with value, evicting the entry that was
// inserted or refreshed longest ago if capacity is exceeded.
func (c *lru) Put(key string, value worker.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

// UpdateKey renames oldKey to newKey, preserving its value and moving
// it to the front (refreshed).
func (c *lru) UpdateKey(oldKey, newKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[oldKey]
	if !ok {
		return false
	}
	delete(c.items, oldKey)
	el.Value.(*lruEntry).key = newKey
	c.items[newKey] = el
	c.ll.MoveToFront(el)
	return true
}

// Delete removes key if present.
func (c *lru) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.items, key)
}

func (c *lru) evictOldest() {
	oldest := c.ll.Back()
	if oldest == nil {
		return
	}
	c.ll.Remove(oldest)
	delete(c.items, oldest.Value.(*lruEntry).key)
}
