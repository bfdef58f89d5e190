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
	"regexp"
	"time"

	"github.com/d71-dev/megaphone/pkg/protocol"
)

// Pod and service labels driving routing. Per-agent connection labels are
// toggled ON/OFF by the controller; the read/write services select on them.
const (
	// LabelCluster marks every pod of a cluster.
	LabelCluster = "megaphone-cluster"
	// LabelNode identifies one pod; its headless service selects on it.
	LabelNode = "megaphone-node"
	// LabelService marks every service generated for a cluster.
	LabelService = "svc-megaphone-cluster"
	// LabelAcceptsNewChannels gates new-channel placement on a pod.
	LabelAcceptsNewChannels = "accepts-new-channels"

	labelValueOn  = "ON"
	labelValueOff = "OFF"
)

// connectionLabelRe matches the labels that must all be OFF before a
// tearing-down pod may be deleted.
var connectionLabelRe = regexp.MustCompile(`^(accepts-new-channels|megaphone-[A-Za-z0-9]+-(read|write))$`)

// Age thresholds for per-agent connection labels. Replicas become routable
// once their pipe has had time to replay; piped agents stop being routable
// once their channels have drained to the replica side.
const (
	replicaWriteAge = 50 * time.Second
	replicaReadAge  = 30 * time.Second
	pipedWriteAge   = 60 * time.Second
	pipedReadAge    = 40 * time.Second
)

func agentLabel(agent, capability string) string {
	return fmt.Sprintf("megaphone-%s-%s", agent, capability)
}

func onOff(on bool) string {
	if on {
		return labelValueOn
	}
	return labelValueOff
}

// desiredConnectionLabels computes the connection labels a pod should carry
// given the agents it reports. A terminating pod keeps an agent routable only
// while that agent still holds channels.
func desiredConnectionLabels(agents []protocol.VirtualAgentInfo, terminating bool) map[string]string {
	labels := make(map[string]string, 2*len(agents)+1)
	settledMaster := false
	for _, a := range agents {
		age := time.Duration(a.SinceSeconds) * time.Second
		var write, read bool
		switch a.Mode {
		case protocol.ModeMaster:
			write, read = true, true
			if !a.WarmingUp {
				settledMaster = true
			}
		case protocol.ModeReplica:
			write = age >= replicaWriteAge
			read = age >= replicaReadAge
		case protocol.ModePiped:
			write = age < pipedWriteAge
			read = age < pipedReadAge
		}
		if terminating && a.ChannelsCount == 0 {
			write, read = false, false
		}
		labels[agentLabel(a.Name, "write")] = onOff(write)
		labels[agentLabel(a.Name, "read")] = onOff(read)
	}
	labels[LabelAcceptsNewChannels] = onOff(settledMaster && !terminating)
	return labels
}

// connectionsClosed reports whether every connection label on the pod's
// label set is OFF, i.e. no client traffic can still route to it.
func connectionsClosed(labels map[string]string) (bool, []string) {
	var live []string
	for k, v := range labels {
		if connectionLabelRe.MatchString(k) && v != labelValueOff {
			live = append(live, k)
		}
	}
	return len(live) == 0, live
}
