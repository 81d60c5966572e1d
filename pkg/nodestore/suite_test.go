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

package nodestore_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
)

func TestNodeStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NodeStore Suite")
}

var ctx = context.Background()

var _ = Describe("Store", func() {
	var store *nodestore.Store

	BeforeEach(func() {
		store = nodestore.New()
	})

	It("is empty on construction", func() {
		Expect(store.Len()).To(Equal(0))
		Expect(store.GetNodeList()).To(BeEmpty())
		Expect(store.GetPrefillList()).To(BeEmpty())
	})

	It("registers workers and indexes prefill ids", func() {
		store.Register(ctx, []worker.StaticInfo{
			{ID: 1, Role: worker.RolePrefill, TotalSlots: 4, TotalBlocks: 4},
			{ID: 2, Role: worker.RoleDecode, TotalSlots: 4, TotalBlocks: 4},
			{ID: 3, Role: worker.RolePrefill, TotalSlots: 4, TotalBlocks: 4},
		})
		Expect(store.GetNodeList()).To(ConsistOf(worker.ID(1), worker.ID(2), worker.ID(3)))
		Expect(store.GetPrefillList()).To(ConsistOf(worker.ID(1), worker.ID(3)))
	})

	It("treats re-registering an id as a no-op", func() {
		store.Register(ctx, []worker.StaticInfo{{ID: 1, Role: worker.RolePrefill, TotalSlots: 1, TotalBlocks: 1}})
		store.Register(ctx, []worker.StaticInfo{{ID: 1, Role: worker.RolePrefill, MaxSeqLen: 999, TotalSlots: 1, TotalBlocks: 1}})
		Expect(store.GetNodeList()).To(HaveLen(1))
		static, _, ok := store.GetByID(1)
		Expect(ok).To(BeTrue())
		Expect(static.MaxSeqLen).To(Equal(int64(0)))
	})

	It("maintains every id in indexList as a key in staticMap", func() {
		store.Register(ctx, []worker.StaticInfo{
			{ID: 1, Role: worker.RoleFlex, TotalSlots: 1, TotalBlocks: 1},
			{ID: 2, Role: worker.RoleFlex, TotalSlots: 1, TotalBlocks: 1},
		})
		for _, id := range store.GetNodeList() {
			_, _, ok := store.GetByID(id)
			Expect(ok).To(BeTrue())
		}
	})

	It("removes ids from every structure atomically", func() {
		store.Register(ctx, []worker.StaticInfo{
			{ID: 1, Role: worker.RolePrefill, TotalSlots: 1, TotalBlocks: 1},
			{ID: 2, Role: worker.RoleDecode, TotalSlots: 1, TotalBlocks: 1},
		})
		store.Update(ctx, []worker.DynamicInfo{{ID: 2, AvailSlots: 1, AvailBlocks: 1, Peers: []worker.ID{1}}})
		Expect(store.GetP2D()).To(HaveKeyWithValue(worker.ID(1), ConsistOf(worker.ID(2))))

		store.Remove(ctx, []worker.ID{1})
		_, _, ok := store.GetByID(1)
		Expect(ok).To(BeFalse())
		Expect(store.GetPrefillList()).To(BeEmpty())
		Expect(store.GetP2D()).NotTo(HaveKey(worker.ID(1)))
	})

	It("ignores missing ids on Remove", func() {
		store.Register(ctx, []worker.StaticInfo{{ID: 1, Role: worker.RoleFlex, TotalSlots: 1, TotalBlocks: 1}})
		store.Remove(ctx, []worker.ID{42})
		Expect(store.GetNodeList()).To(HaveLen(1))
	})

	It("derives p2d as the transpose of d2p", func() {
		store.Register(ctx, []worker.StaticInfo{
			{ID: 1, Role: worker.RolePrefill, TotalSlots: 1, TotalBlocks: 1},
			{ID: 2, Role: worker.RolePrefill, TotalSlots: 1, TotalBlocks: 1},
			{ID: 3, Role: worker.RoleDecode, TotalSlots: 1, TotalBlocks: 1},
			{ID: 4, Role: worker.RoleDecode, TotalSlots: 1, TotalBlocks: 1},
		})
		store.Update(ctx, []worker.DynamicInfo{
			{ID: 3, AvailSlots: 1, AvailBlocks: 1, Peers: []worker.ID{1, 2}},
			{ID: 4, AvailSlots: 1, AvailBlocks: 1, Peers: []worker.ID{1}},
		})
		p2d := store.GetP2D()
		Expect(p2d[1]).To(ConsistOf(worker.ID(3), worker.ID(4)))
		Expect(p2d[2]).To(ConsistOf(worker.ID(3)))
	})

	It("rebuilds p2d wholesale when a decode worker's peers shrink", func() {
		store.Register(ctx, []worker.StaticInfo{
			{ID: 1, Role: worker.RolePrefill, TotalSlots: 1, TotalBlocks: 1},
			{ID: 2, Role: worker.RoleDecode, TotalSlots: 1, TotalBlocks: 1},
		})
		store.Update(ctx, []worker.DynamicInfo{{ID: 2, AvailSlots: 1, AvailBlocks: 1, Peers: []worker.ID{1}}})
		Expect(store.GetP2D()[1]).To(ConsistOf(worker.ID(2)))

		store.Update(ctx, []worker.DynamicInfo{{ID: 2, AvailSlots: 1, AvailBlocks: 1, Peers: []worker.ID{}}})
		Expect(store.GetP2D()).NotTo(HaveKey(worker.ID(1)))
	})

	It("skips updates for unregistered workers without failing the batch", func() {
		store.Register(ctx, []worker.StaticInfo{{ID: 1, Role: worker.RoleFlex, TotalSlots: 1, TotalBlocks: 1}})
		store.Update(ctx, []worker.DynamicInfo{
			{ID: 1, AvailSlots: 1, AvailBlocks: 1},
			{ID: 99, AvailSlots: 1, AvailBlocks: 1},
		})
		_, dyn, ok := store.GetByID(1)
		Expect(ok).To(BeTrue())
		Expect(dyn.AvailSlots).To(Equal(int64(1)))
	})

	It("returns copies so callers cannot observe concurrent mutation", func() {
		store.Register(ctx, []worker.StaticInfo{{ID: 1, Role: worker.RoleFlex, TotalSlots: 1, TotalBlocks: 1}})
		list := store.GetNodeList()
		list[0] = 999
		Expect(store.GetNodeList()).To(ConsistOf(worker.ID(1)))
	})

	It("round-trips Register then Remove back to the prior state", func() {
		before := store.GetNodeList()
		ids := []worker.StaticInfo{
			{ID: 10, Role: worker.RolePrefill, TotalSlots: 1, TotalBlocks: 1},
			{ID: 11, Role: worker.RoleDecode, TotalSlots: 1, TotalBlocks: 1},
		}
		store.Register(ctx, ids)
		store.Remove(ctx, []worker.ID{10, 11})
		Expect(store.GetNodeList()).To(Equal(before))
	})
})
