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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/d71-dev/megaphone/pkg/protocol"
)

const (
	megactlPath    = "/app/megactl"
	megactlTimeout = 30 * time.Second
)

// Megactl runs management commands inside a broker pod. The controller uses
// it to inspect agents and to start drain pipes during tear-down.
type Megactl interface {
	// ListAgents returns the virtual agents hosted by the pod.
	ListAgents(ctx context.Context, namespace, pod string) ([]protocol.VirtualAgentInfo, error)
	// PipeAgent pipes the named agent to the given peer address.
	PipeAgent(ctx context.Context, namespace, pod, agent, target string) error
}

type megactlExec struct {
	config *rest.Config
	client kubernetes.Interface
}

// NewMegactl returns a Megactl that execs the megactl binary inside the
// broker container over the Kubernetes exec subresource.
func NewMegactl(config *rest.Config) (Megactl, error) {
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return &megactlExec{config: config, client: client}, nil
}

func (m *megactlExec) ListAgents(ctx context.Context, namespace, pod string) ([]protocol.VirtualAgentInfo, error) {
	out, err := m.run(ctx, namespace, pod, "list-agents")
	if err != nil {
		return nil, err
	}
	var agents []protocol.VirtualAgentInfo
	if err := json.Unmarshal(out, &agents); err != nil {
		return nil, fmt.Errorf("decode agent list from %s/%s: %w", namespace, pod, err)
	}
	return agents, nil
}

func (m *megactlExec) PipeAgent(ctx context.Context, namespace, pod, agent, target string) error {
	_, err := m.run(ctx, namespace, pod, "pipe-agent", "-n", agent, "-t", target)
	return err
}

func (m *megactlExec) run(ctx context.Context, namespace, pod string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, megactlTimeout)
	defer cancel()

	command := append([]string{megactlPath, "-o", "json"}, args...)
	req := m.client.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		Param("container", brokerContainer).
		VersionedParams(&corev1.PodExecOptions{
			Container: brokerContainer,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(m.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("build executor for %s/%s: %w", namespace, pod, err)
	}
	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return nil, fmt.Errorf("exec megactl %s in %s/%s: %w (stderr: %s)", args[0], namespace, pod, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
