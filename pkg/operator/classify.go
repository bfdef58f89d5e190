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
	corev1 "k8s.io/api/core/v1"

	megaphonev1 "github.com/d71-dev/megaphone/pkg/operator/apis/megaphone/v1"
)

// podPhase is the controller's view of one pod, derived from whether it
// accepts new channels and whether it matches the current spec.
type podPhase int

const (
	// phaseActive accepts channels and matches the spec.
	phaseActive podPhase = iota
	// phaseQueuedForTearDown accepts channels but runs an outdated spec.
	phaseQueuedForTearDown
	// phaseWarmingUp matches the spec but does not accept channels yet.
	phaseWarmingUp
	// phaseTearingDown neither accepts channels nor matches the spec.
	phaseTearingDown
	// phaseQueuedForAbort is a warming-up pod picked for immediate removal
	// when the cluster is over-replicated.
	phaseQueuedForAbort
)

func (p podPhase) String() string {
	switch p {
	case phaseActive:
		return "Active"
	case phaseQueuedForTearDown:
		return "QueuedForTearDown"
	case phaseWarmingUp:
		return "WarmingUp"
	case phaseTearingDown:
		return "TearingDown"
	case phaseQueuedForAbort:
		return "QueuedForAbort"
	}
	return "Unknown"
}

// brokerContainer is the name of the broker container in generated pods.
const brokerContainer = "megaphone"

// classify derives the phase of a pod from its accepts-new-channels label
// and whether its broker container matches the given spec.
func classify(pod *corev1.Pod, spec *megaphonev1.MegaphoneSpec) podPhase {
	accepts := pod.Labels[LabelAcceptsNewChannels] == labelValueOn
	matches := podMatchesSpec(pod, spec)
	switch {
	case accepts && matches:
		return phaseActive
	case accepts && !matches:
		return phaseQueuedForTearDown
	case !accepts && matches:
		return phaseWarmingUp
	default:
		return phaseTearingDown
	}
}

// podMatchesSpec reports whether the pod's broker container runs the image
// and resource limits the spec asks for.
func podMatchesSpec(pod *corev1.Pod, spec *megaphonev1.MegaphoneSpec) bool {
	for _, c := range pod.Spec.Containers {
		if c.Name != brokerContainer {
			continue
		}
		if c.Image != spec.Image {
			return false
		}
		return limitsEqual(c.Resources.Limits, spec.Resources.Limits)
	}
	return false
}

func limitsEqual(a, b corev1.ResourceList) bool {
	if len(a) != len(b) {
		return false
	}
	for name, qa := range a {
		qb, ok := b[name]
		if !ok || qa.Cmp(qb) != 0 {
			return false
		}
	}
	return true
}
