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

package group_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/group"
)

func TestGroup(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Group Suite")
}

var ctx = context.Background()

func workers(n int, role worker.Role, startID worker.ID) []worker.StaticInfo {
	out := make([]worker.StaticInfo, n)
	for i := 0; i < n; i++ {
		out[i] = worker.StaticInfo{ID: startID + worker.ID(i), Role: role, TotalSlots: 1, TotalBlocks: 1}
	}
	return out
}

func allIDs(groups []group.Group) []worker.ID {
	var ids []worker.ID
	for _, g := range groups {
		ids = append(ids, g.Prefill...)
		ids = append(ids, g.Decode...)
		ids = append(ids, g.Flex...)
	}
	return ids
}

var _ = Describe("Generate", func() {
	It("puts 3 prefill + 3 decode into a single group under a 16 cap", func() {
		w := append(workers(3, worker.RolePrefill, 1), workers(3, worker.RoleDecode, 4)...)
		groups, _, err := group.Generate(ctx, w, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(1))
		Expect(allIDs(groups)).To(ConsistOf(
			worker.ID(1), worker.ID(2), worker.ID(3), worker.ID(4), worker.ID(5), worker.ID(6)))
	})

	It("puts 15 prefill + 1 decode into a single group of 16", func() {
		w := append(workers(15, worker.RolePrefill, 1), workers(1, worker.RoleDecode, 100)...)
		groups, _, err := group.Generate(ctx, w, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(1))
		Expect(allIDs(groups)).To(HaveLen(16))
	})

	It("rejects 15 prefill + 2 decode as exceeding the 16 cap", func() {
		w := append(workers(15, worker.RolePrefill, 1), workers(2, worker.RoleDecode, 100)...)
		_, _, err := group.Generate(ctx, w, 16)
		Expect(err).To(HaveOccurred())
	})

	It("puts 6 prefill + 3 decode into one group", func() {
		w := append(workers(6, worker.RolePrefill, 1), workers(3, worker.RoleDecode, 100)...)
		groups, _, err := group.Generate(ctx, w, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(1))
		Expect(groups[0].Prefill).To(HaveLen(6))
		Expect(groups[0].Decode).To(HaveLen(3))
	})

	It("rejects a worker set with no prefill/decode pair and no flex", func() {
		w := workers(3, worker.RolePrefill, 1)
		_, _, err := group.Generate(ctx, w, 16)
		Expect(err).To(HaveOccurred())
	})

	It("accepts flex-only worker sets", func() {
		w := workers(4, worker.RoleFlex, 1)
		groups, _, err := group.Generate(ctx, w, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(1))
		Expect(groups[0].Flex).To(HaveLen(4))
	})

	It("covers every worker exactly once under the multi-host cap", func() {
		w := append(workers(20, worker.RolePrefill, 1), workers(20, worker.RoleDecode, 100)...)
		groups, decisions, err := group.Generate(ctx, w, 768)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(HaveLen(1)) // ceil(40/768) = 1

		for _, g := range groups {
			Expect(len(g.Prefill) + len(g.Decode) + len(g.Flex)).To(BeNumerically("<=", 768))
		}

		seen := map[worker.ID]bool{}
		for _, d := range decisions {
			Expect(seen[d.ID]).To(BeFalse())
			seen[d.ID] = true
		}
		Expect(len(seen)).To(Equal(40))
		Expect(allIDs(groups)).To(HaveLen(40))
	})

	It("ignores workers with an undefined role", func() {
		w := append(workers(1, worker.RolePrefill, 1), workers(1, worker.RoleDecode, 2)...)
		w = append(w, worker.StaticInfo{ID: 99, Role: worker.RoleUndefined, TotalSlots: 1, TotalBlocks: 1})
		groups, decisions, err := group.Generate(ctx, w, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(allIDs(groups)).To(ConsistOf(worker.ID(1), worker.ID(2)))
		Expect(decisions).To(HaveLen(2))
	})
})
