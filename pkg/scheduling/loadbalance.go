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
	"github.com/verylucky01/mindie-motor/pkg/apis/request"
	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/nodestore"
)

// LoadBalance is declared so the algorithm_type configuration surface
// stays stable, but is not implemented upstream; every call reports
// Unavailable.
type LoadBalance struct{}

func NewLoadBalance() *LoadBalance { return &LoadBalance{} }

func (LoadBalance) Pick(store *nodestore.Store, req request.Request) (request.Route, error) {
	return request.Route{}, unavailable(merrors.ModuleScheduling, "03", "load balance: not implemented")
}
