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

// Package request holds the shapes the scheduler moves between its
// intake and dispatch queues.
package request

import "github.com/verylucky01/mindie-motor/pkg/apis/worker"

// Type selects how Body is interpreted.
type Type int

const (
	TypeOpenAI Type = iota
	TypeRaw
	TypeTokens
)

// Request is what a caller submits to the scheduler. The deployment
// topology is not part of the request: policies derive it from the
// fleet itself (a registered prefill worker means disaggregated
// routing).
type Request struct {
	ID   string
	Type Type
	// Body holds the opaque payload when Type != TypeTokens.
	Body string
	// Tokens holds the ordered token ids when Type == TypeTokens.
	Tokens []int64
}

// Route is the outcome of a routing decision: exactly one of Single or
// Pair is populated.
type Route struct {
	Single worker.ID
	Pair   Pair
	IsPair bool
}

// Pair is a prefill/decode worker assignment for a disaggregated
// request.
type Pair struct {
	Prefill worker.ID
	Decode  worker.ID
}

// SingleRoute builds a single-worker Route.
func SingleRoute(id worker.ID) Route {
	return Route{Single: id}
}

// PairRoute builds a prefill/decode Route.
func PairRoute(prefill, decode worker.ID) Route {
	return Route{Pair: Pair{Prefill: prefill, Decode: decode}, IsPair: true}
}
