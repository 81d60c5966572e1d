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

package scheduling_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/verylucky01/mindie-motor/pkg/apis/request"
	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
	"github.com/verylucky01/mindie-motor/pkg/scheduling"
)

var _ = Describe("CacheAffinity", func() {
	var store *nodestore.Store

	BeforeEach(func() {
		store = nodestore.New()
		store.Register(ctx, []worker.StaticInfo{
			{ID: 1, Role: worker.RoleFlex, TotalSlots: 10, TotalBlocks: 10},
			{ID: 2, Role: worker.RoleFlex, TotalSlots: 10, TotalBlocks: 10},
		})
		store.Update(ctx, []worker.DynamicInfo{
			{ID: 1, AvailSlots: 10, AvailBlocks: 10},
			{ID: 2, AvailSlots: 10, AvailBlocks: 10},
		})
	})

	It("returns the same worker for a history hash hit, a fresh worker otherwise", func() {
		ca := scheduling.NewCacheAffinity(100, 0.05, 0.05)

		route1, err := ca.Pick(store, request.Request{Body: `[{"role":"user","content":"123"}]`})
		Expect(err).NotTo(HaveOccurred())

		route2, err := ca.Pick(store, request.Request{
			Body: `[{"role":"user","content":"123"},{"role":"assistant","content":"456"},{"role":"user","content":"789"}]`,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(route2.Single).To(Equal(route1.Single))

		route3, err := ca.Pick(store, request.Request{Body: `[{"role":"user","content":"999"}]`})
		Expect(err).NotTo(HaveOccurred())

		route4, err := ca.Pick(store, request.Request{
			Body: `[{"role":"user","content":"999"},{"role":"assistant","content":"aaa"},{"role":"user","content":"bbb"}]`,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(route4.Single).To(Equal(route3.Single))
	})

	It("falls back to round robin when the cached worker no longer clears thresholds", func() {
		ca := scheduling.NewCacheAffinity(100, 0.05, 0.05)

		route1, err := ca.Pick(store, request.Request{Body: `[{"role":"user","content":"hi"}]`})
		Expect(err).NotTo(HaveOccurred())

		store.Update(ctx, []worker.DynamicInfo{{ID: route1.Single, AvailSlots: 0, AvailBlocks: 10}})

		route2, err := ca.Pick(store, request.Request{
			Body: `[{"role":"user","content":"hi"},{"role":"assistant","content":"a"},{"role":"user","content":"b"}]`,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(route2.Single).NotTo(Equal(route1.Single))
	})

	It("rejects a body that is not a JSON array", func() {
		ca := scheduling.NewCacheAffinity(100, 0.05, 0.05)
		_, err := ca.Pick(store, request.Request{Body: `{"not":"an array"}`})
		Expect(err).To(HaveOccurred())
	})
})
