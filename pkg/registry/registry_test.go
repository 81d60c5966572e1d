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

package registry_test

import (
	"testing"

	"github.com/verylucky01/mindie-motor/pkg/registry"
	"github.com/verylucky01/mindie-motor/pkg/scheduling"
)

func TestDefaultRegistryBuildsAllThreeVariants(t *testing.T) {
	r := registry.Default()
	for _, name := range []string{"round_robin", "cache_affinity", "load_balance"} {
		if _, err := r.BuildPolicy(name); err != nil {
			t.Fatalf("expected %q to be registered, got %v", name, err)
		}
	}
}

func TestUnregisteredNameIsNotFound(t *testing.T) {
	r := registry.New()
	if _, err := r.BuildPolicy("nonexistent"); err == nil {
		t.Fatal("expected an error for an unregistered policy name")
	}
}

func TestRegisterPolicyOverwritesPreviousConstructor(t *testing.T) {
	r := registry.New()
	r.RegisterPolicy("x", func() scheduling.Policy { return scheduling.NewLoadBalance() })
	r.RegisterPolicy("x", func() scheduling.Policy { return scheduling.NewRoundRobin() })

	p, err := r.BuildPolicy("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*scheduling.RoundRobin); !ok {
		t.Fatalf("expected the second registration to win, got %T", p)
	}
}
