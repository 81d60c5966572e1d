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

// Package scheduling holds the routing policies a Scheduler consults to
// turn a pending request into a Route. Policies never own a NodeStore;
// one is lent to them for the duration of a single Pick so mutation
// stays single-writer in the Scheduler.
package scheduling

import (
	"github.com/verylucky01/mindie-motor/pkg/apis/request"
	"github.com/verylucky01/mindie-motor/pkg/apis/worker"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
)

// Policy picks a Route for req against the current state of store.
// A merrors error of KindUnavailable means the caller should re-queue
// the request; any other error kind is fatal and the request is
// dropped.
type Policy interface {
	Pick(store *nodestore.Store, req request.Request) (request.Route, error)
}

// available reports whether id currently passes both the static
// capacity and dynamic availability thresholds every policy requires
// before picking a worker.
func available(store *nodestore.Store, id worker.ID) bool {
	static, dynamic, ok := store.GetByID(id)
	if !ok {
		return false
	}
	if !static.HasCapacity() {
		return false
	}
	return dynamic.Available()
}

func unavailable(module merrors.Module, feature, msg string) error {
	return merrors.New(merrors.KindUnavailable, module, feature, "01", msg)
}
