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

// Package registry holds the name-keyed component factories. A
// Registry is an explicit value constructed at program start and
// threaded by reference to whatever needs to look a component up by
// name; there is no package-level registration and no process-global
// mutable state.
package registry

import (
	"fmt"
	"sync"

	"github.com/verylucky01/mindie-motor/pkg/merrors"
	"github.com/verylucky01/mindie-motor/pkg/scheduling"
)

// PolicyFactory builds a scheduling.Policy from its typed config. Each
// policy variant registers one constructor rather than relying on
// package-level init() side effects.
type PolicyFactory func() scheduling.Policy

// Registry is a name-keyed set of constructors. It is populated once at
// startup and then only read; it holds no NodeStore or request state
// of its own.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]PolicyFactory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{policies: map[string]PolicyFactory{}}
}

// RegisterPolicy adds a named policy constructor. Re-registering a name
// overwrites the previous constructor, matching how a config reload
// would want to swap an algorithm's parameters.
func (r *Registry) RegisterPolicy(name string, factory PolicyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = factory
}

// BuildPolicy constructs the named policy, or NotFound if nothing is
// registered under that name.
func (r *Registry) BuildPolicy(name string) (scheduling.Policy, error) {
	r.mu.RLock()
	factory, ok := r.policies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, merrors.New(merrors.KindNotFound, merrors.ModuleRegistry, "01", "01",
			fmt.Sprintf("registry: no policy registered under %q", name))
	}
	return factory(), nil
}

// Default wires the three named policy variants (round_robin,
// cache_affinity, load_balance) against their standard constructors.
// Callers that need custom cache-affinity sizing should call
// RegisterPolicy themselves instead, or after, calling Default.
func Default() *Registry {
	r := New()
	r.RegisterPolicy("round_robin", func() scheduling.Policy { return scheduling.NewRoundRobin() })
	r.RegisterPolicy("cache_affinity", func() scheduling.Policy { return scheduling.NewCacheAffinity(100, 0.05, 0.05) })
	r.RegisterPolicy("load_balance", func() scheduling.Policy { return scheduling.NewLoadBalance() })
	return r
}
