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

package v1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Megaphone describes one Megaphone broker cluster. The controller generates
// one pod per replica and the read/write services routing to them.
type Megaphone struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	// Spec is the desired shape of the cluster.
	Spec MegaphoneSpec `json:"spec"`
	// Status is the most recently observed cluster state.
	Status MegaphoneStatus `json:"status,omitempty"`
}

// MegaphoneList is a list of Megaphones.
type MegaphoneList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Megaphone `json:"items"`
}

// MegaphoneSpec defines the desired cluster shape.
type MegaphoneSpec struct {
	// Image is the broker container image run on every pod.
	Image string `json:"image"`
	// Replicas is the number of broker pods.
	Replicas int32 `json:"replicas"`
	// VirtualAgentsPerNode is how many master virtual agents each pod hosts.
	VirtualAgentsPerNode int32 `json:"virtualAgentsPerNode"`
	// Resources are copied through to the broker container. Limits take part
	// in the spec-match check that drives rollouts.
	Resources corev1.ResourceRequirements `json:"resources,omitempty"`
}

// ClusterStatus says whether the cluster is settled or mid-rollout.
type ClusterStatus string

const (
	// ClusterStatusIdle means all pods match the spec and accept channels.
	ClusterStatusIdle ClusterStatus = "Idle"
	// ClusterStatusUpgrade means a pipe-and-drain rollout is in progress.
	ClusterStatusUpgrade ClusterStatus = "Upgrade"
)

// MegaphoneStatus is the observed state of a Megaphone cluster.
type MegaphoneStatus struct {
	// Pods are the names of the cluster's pods, sorted.
	Pods []string `json:"pods,omitempty"`
	// Services are the names of the cluster's services, sorted.
	Services []string `json:"services,omitempty"`
	// ClusterStatus is Idle or Upgrade.
	ClusterStatus ClusterStatus `json:"clusterStatus,omitempty"`
	// UpgradeSpec is the spec the cluster is converging to while a rollout
	// is in progress.
	UpgradeSpec *MegaphoneSpec `json:"upgradeSpec,omitempty"`
}
