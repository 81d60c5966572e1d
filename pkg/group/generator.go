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

// Package group partitions a decided set of workers into deployment
// groups bounded by a per-topology capacity cap.
package group

import (
	"context"

	"knative.dev/pkg/logging"

	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
)

// Group is one partition's worker ids, by role.
type Group struct {
	Prefill []worker.ID
	Decode  []worker.ID
	Flex    []worker.ID
}

// Decision tags a worker with the group it was assigned to.
type Decision struct {
	ID      worker.ID
	Role    worker.Role
	GroupID worker.GroupID
}

// Generate partitions workers into groups of at most maxGroupSize
// total members, preserving the prefill/decode/flex role split within
// each group.
//
// Decode workers are assigned with the offset `(j + |P|) mod
// groupCount`, starting their distribution where the prefill
// assignment left off.
func Generate(ctx context.Context, workers []worker.StaticInfo, maxGroupSize int) ([]Group, []Decision, error) {
	log := logging.FromContext(ctx)

	var prefill, decode, flex []worker.ID
	for _, w := range workers {
		switch w.Role {
		case worker.RolePrefill:
			prefill = append(prefill, w.ID)
		case worker.RoleDecode:
			decode = append(decode, w.ID)
		case worker.RoleFlex:
			flex = append(flex, w.ID)
		default:
			log.Debugf("group: ignoring worker %s with undefined role", w.ID)
		}
	}

	n := len(prefill) + len(decode) + len(flex)
	if (len(prefill) == 0 || len(decode) == 0) && len(flex) == 0 {
		return nil, nil, merrors.New(merrors.KindInvalidInput, merrors.ModuleGroup, "01", "01",
			"group: need at least one prefill and one decode worker, or at least one flex worker")
	}
	if n > maxGroupSize {
		return nil, nil, merrors.New(merrors.KindInvalidInput, merrors.ModuleGroup, "01", "02",
			"group: total worker count exceeds maxGroupSize")
	}

	groupCount := ceilDiv(n, maxGroupSize)
	if groupCount == 0 {
		return nil, nil, merrors.New(merrors.KindInvalidParameter, merrors.ModuleGroup, "01", "03",
			"group: computed group count is zero")
	}

	groups := make([]Group, groupCount)
	var decisions []Decision

	for i, p := range prefill {
		gid := worker.GroupID(i % groupCount)
		groups[gid].Prefill = append(groups[gid].Prefill, p)
		decisions = append(decisions, Decision{ID: p, Role: worker.RolePrefill, GroupID: gid})
	}
	for j, d := range decode {
		gid := worker.GroupID((j + len(prefill)) % groupCount)
		groups[gid].Decode = append(groups[gid].Decode, d)
		decisions = append(decisions, Decision{ID: d, Role: worker.RoleDecode, GroupID: gid})
	}
	for k, f := range flex {
		gid := worker.GroupID(k % groupCount)
		groups[gid].Flex = append(groups[gid].Flex, f)
		decisions = append(decisions, Decision{ID: f, Role: worker.RoleFlex, GroupID: gid})
	}

	return groups, decisions, nil
}

func ceilDiv(n, d int) int {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}
