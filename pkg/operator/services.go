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

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Ports exposed by broker pods.
const (
	httpPort = 3000
	syncPort = 3001
)

func readServiceName(cluster, agent string) string {
	return fmt.Sprintf("svc-%s-%s-read", cluster, agent)
}

func writeServiceName(cluster, agent string) string {
	return fmt.Sprintf("svc-%s-%s-write", cluster, agent)
}

func podServiceName(pod string) string {
	return "svc-" + pod
}

func clusterServiceName(cluster string) string {
	return "svc-" + cluster
}

// desiredServices returns the full service set for a cluster: one read and
// one write service per observed agent, one headless service per pod for the
// sync pipe, and one cluster service for channel placement.
func desiredServices(namespace, cluster string, agents, pods []string) []*corev1.Service {
	var services []*corev1.Service

	for _, agent := range agents {
		for _, capability := range []string{"read", "write"} {
			name := readServiceName(cluster, agent)
			if capability == "write" {
				name = writeServiceName(cluster, agent)
			}
			services = append(services, &corev1.Service{
				ObjectMeta: serviceMeta(namespace, cluster, name),
				Spec: corev1.ServiceSpec{
					Selector: map[string]string{
						LabelCluster:                  cluster,
						agentLabel(agent, capability): labelValueOn,
					},
					Ports: []corev1.ServicePort{httpServicePort()},
				},
			})
		}
	}

	for _, pod := range pods {
		services = append(services, &corev1.Service{
			ObjectMeta: serviceMeta(namespace, cluster, podServiceName(pod)),
			Spec: corev1.ServiceSpec{
				ClusterIP: corev1.ClusterIPNone,
				Selector:  map[string]string{LabelNode: pod},
				Ports: []corev1.ServicePort{{
					Name:       "sync",
					Port:       syncPort,
					TargetPort: intstr.FromInt32(syncPort),
				}},
			},
		})
	}

	services = append(services, &corev1.Service{
		ObjectMeta: serviceMeta(namespace, cluster, clusterServiceName(cluster)),
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{
				LabelCluster:            cluster,
				LabelAcceptsNewChannels: labelValueOn,
			},
			Ports: []corev1.ServicePort{httpServicePort()},
		},
	})

	return services
}

func serviceMeta(namespace, cluster, name string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Namespace: namespace,
		Name:      name,
		Labels:    map[string]string{LabelService: cluster},
	}
}

func httpServicePort() corev1.ServicePort {
	return corev1.ServicePort{
		Name:       "http",
		Port:       httpPort,
		TargetPort: intstr.FromInt32(httpPort),
	}
}

// pipeTargetURL is the sync address of a pod's headless service, reachable
// from any pod in the namespace.
func pipeTargetURL(namespace, pod string) string {
	return fmt.Sprintf("%s.%s.svc:%d", podServiceName(pod), namespace, syncPort)
}
