// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package operator

import (
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	megaphonev1 "github.com/d71-dev/megaphone/pkg/operator/apis/megaphone/v1"
)

func podName(cluster string, idx int32) string {
	return fmt.Sprintf("mgp-%s-%d", cluster, idx)
}

// podIndex recovers the slot index from a generated pod name.
func podIndex(cluster, name string) (int32, bool) {
	suffix, ok := strings.CutPrefix(name, "mgp-"+cluster+"-")
	if !ok {
		return 0, false
	}
	idx, err := strconv.ParseInt(suffix, 10, 32)
	if err != nil || idx < 0 {
		return 0, false
	}
	return int32(idx), true
}

// smallestFreeIndex returns the lowest slot index not present in used.
func smallestFreeIndex(used map[int32]bool) int32 {
	for idx := int32(0); ; idx++ {
		if !used[idx] {
			return idx
		}
	}
}

// newPod builds the broker pod for one cluster slot. Each slot hosts
// virtualAgentsPerNode master agents whose names are derived from the slot,
// announced to the broker through its environment. New pods start with
// accepts-new-channels OFF; the label engine flips it once a master settles.
func newPod(mp *megaphonev1.Megaphone, idx int32) *corev1.Pod {
	name := podName(mp.Name, idx)

	labels := map[string]string{
		LabelCluster:            mp.Name,
		LabelNode:               name,
		LabelAcceptsNewChannels: labelValueOff,
	}
	var env []corev1.EnvVar
	for j := int32(0); j < mp.Spec.VirtualAgentsPerNode; j++ {
		agent := virtualAgentID(idx, j)
		labels[agentLabel(agent, "read")] = labelValueOn
		labels[agentLabel(agent, "write")] = labelValueOn
		env = append(env, corev1.EnvVar{
			Name:  "megaphone_agent.virtual." + agent,
			Value: "MASTER",
		})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: mp.Namespace,
			Name:      name,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			// Draining is driven by the controller through megactl, not by
			// kubelet; keep the grace period short.
			TerminationGracePeriodSeconds: ptr.To(int64(10)),
			Containers: []corev1.Container{{
				Name:      brokerContainer,
				Image:     mp.Spec.Image,
				Env:       env,
				Resources: mp.Spec.Resources,
				Ports: []corev1.ContainerPort{
					{Name: "http", ContainerPort: httpPort},
					{Name: "sync", ContainerPort: syncPort},
				},
			}},
		},
	}
}
