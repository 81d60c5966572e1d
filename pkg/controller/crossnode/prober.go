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

package crossnode

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks a master pod's readiness endpoint. It is the
// controller's only network dependency that is not the K8s API
// itself, so it is injected the same way the K8s client is.
type Prober interface {
	Probe(ctx context.Context, ip string, port int, path string, timeout time.Duration) error
}

// httpProber is the production Prober: a plain GET against the
// management port, matching the controller's readiness path choice.
type httpProber struct {
	client *http.Client
}

// NewHTTPProber returns a Prober backed by one shared http.Client with
// no fixed Timeout; each Probe call bounds its request with a context
// deadline instead, since the timeout varies per replica config.
func NewHTTPProber() Prober {
	return &httpProber{client: &http.Client{}}
}

func (p *httpProber) Probe(ctx context.Context, ip string, port int, path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", ip, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("crossnode: probe %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// readinessPath picks between the inner-error-aware timed health
// endpoint and the plain readiness endpoint.
func readinessPath(innerErrorDetection bool, livenessTimeoutSeconds int) string {
	if innerErrorDetection {
		return fmt.Sprintf("/health/timed-%d", livenessTimeoutSeconds)
	}
	return "/v2/health/ready"
}
