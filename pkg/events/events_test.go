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

package events_test

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"

	. "github.com/onsi/gomega"

	"github.com/verylucky01/mindie-motor/pkg/events"
)

func TestRecorderEmitsExpectedReasons(t *testing.T) {
	g := NewWithT(t)
	fake := record.NewFakeRecorder(10)
	rec := events.New(fake)
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "rings-config-srv-deployment-0"}}

	rec.Deployed(cm, "srv")
	rec.MasterLabeled(cm, "srv", "10.0.0.1")
	rec.HealthTransition(cm, "srv", "Unready", "Abnormal")
	rec.RecoveryOutcome(cm, "srv", false)

	g.Expect(<-fake.Events).To(ContainSubstring("Deployed"))
	g.Expect(<-fake.Events).To(ContainSubstring("MasterLabeled"))
	g.Expect(<-fake.Events).To(ContainSubstring("Warning"))
	g.Expect(<-fake.Events).To(ContainSubstring("RecoveryPending"))
}
