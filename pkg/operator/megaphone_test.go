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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	megaphonev1 "github.com/d71-dev/megaphone/pkg/operator/apis/megaphone/v1"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

// fakeMegactl serves canned agent reports per pod and records pipe calls.
type fakeMegactl struct {
	mtx    sync.Mutex
	agents map[string][]protocol.VirtualAgentInfo
	pipes  []string
}

func newFakeMegactl() *fakeMegactl {
	return &fakeMegactl{agents: map[string][]protocol.VirtualAgentInfo{}}
}

func (f *fakeMegactl) ListAgents(_ context.Context, _, pod string) ([]protocol.VirtualAgentInfo, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	agents, ok := f.agents[pod]
	if !ok {
		return nil, errors.New("pod not ready")
	}
	return agents, nil
}

func (f *fakeMegactl) PipeAgent(_ context.Context, _, pod, agent, target string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.pipes = append(f.pipes, fmt.Sprintf("%s/%s->%s", pod, agent, target))
	return nil
}

func (f *fakeMegactl) setAgents(pod string, agents ...protocol.VirtualAgentInfo) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.agents[pod] = agents
}

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, megaphonev1.AddToScheme(scheme))
	return scheme
}

func newCluster(image string, replicas int32) *megaphonev1.Megaphone {
	return &megaphonev1.Megaphone{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "test"},
		Spec: megaphonev1.MegaphoneSpec{
			Image:                image,
			Replicas:             replicas,
			VirtualAgentsPerNode: 1,
		},
	}
}

func reconcileOnce(t *testing.T, r *clusterReconciler) reconcile.Result {
	t.Helper()
	res, err := r.Reconcile(context.Background(), reconcile.Request{
		NamespacedName: types.NamespacedName{Namespace: "default", Name: "test"},
	})
	require.NoError(t, err)
	return res
}

func listPods(t *testing.T, c client.Client) []corev1.Pod {
	t.Helper()
	var pods corev1.PodList
	require.NoError(t, c.List(context.Background(), &pods,
		client.InNamespace("default"), client.MatchingLabels{LabelCluster: "test"}))
	return pods.Items
}

func TestReconcileScaleUp(t *testing.T) {
	scheme := newTestScheme(t)
	mp := newCluster("megaphone:v1", 2)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp).
		Build()
	r := newClusterReconciler(c, scheme, newFakeMegactl())
	r.pick = func(int) int { return 0 }

	res := reconcileOnce(t, r)
	require.Equal(t, requeueRollout, res.RequeueAfter)

	pods := listPods(t, c)
	require.Len(t, pods, 2)
	names := map[string]bool{}
	for _, pod := range pods {
		names[pod.Name] = true
		require.Equal(t, labelValueOff, pod.Labels[LabelAcceptsNewChannels])
		require.Equal(t, pod.Name, pod.Labels[LabelNode])
		require.Len(t, pod.Spec.Containers, 1)
		ctr := pod.Spec.Containers[0]
		require.Equal(t, "megaphone:v1", ctr.Image)
		require.Len(t, ctr.Env, 1)
		require.Equal(t, "MASTER", ctr.Env[0].Value)
		idx, ok := podIndex("test", pod.Name)
		require.True(t, ok)
		agent := virtualAgentID(idx, 0)
		require.Equal(t, "megaphone_agent.virtual."+agent, ctr.Env[0].Name)
		require.Equal(t, labelValueOn, pod.Labels[agentLabel(agent, "read")])
		require.Equal(t, labelValueOn, pod.Labels[agentLabel(agent, "write")])
	}
	require.True(t, names["mgp-test-0"])
	require.True(t, names["mgp-test-1"])

	var got megaphonev1.Megaphone
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "test"}, &got))
	require.Contains(t, got.Finalizers, finalizerName)
	require.Equal(t, megaphonev1.ClusterStatusUpgrade, got.Status.ClusterStatus)
	require.Equal(t, []string{"mgp-test-0", "mgp-test-1"}, got.Status.Pods)
}

func TestReconcileServiceSet(t *testing.T) {
	scheme := newTestScheme(t)
	mp := newCluster("megaphone:v1", 1)
	// A leftover service from a previous shape must be garbage collected.
	stale := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      "svc-test-deadbeef-read",
			Labels:    map[string]string{LabelService: "test"},
		},
	}
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp, stale).
		Build()
	ctl := newFakeMegactl()
	r := newClusterReconciler(c, scheme, ctl)
	r.pick = func(int) int { return 0 }

	reconcileOnce(t, r)
	agent := virtualAgentID(0, 0)
	ctl.setAgents("mgp-test-0", protocol.VirtualAgentInfo{
		Name: agent, Mode: protocol.ModeMaster, SinceSeconds: 120,
	})
	reconcileOnce(t, r)

	var svcs corev1.ServiceList
	require.NoError(t, c.List(context.Background(), &svcs,
		client.InNamespace("default"), client.MatchingLabels{LabelService: "test"}))
	got := map[string]corev1.Service{}
	for _, svc := range svcs.Items {
		got[svc.Name] = svc
	}
	require.NotContains(t, got, "svc-test-deadbeef-read")
	for _, name := range []string{
		readServiceName("test", agent),
		writeServiceName("test", agent),
		podServiceName("mgp-test-0"),
		clusterServiceName("test"),
	} {
		require.Contains(t, got, name)
	}
	require.Equal(t, corev1.ClusterIPNone, got[podServiceName("mgp-test-0")].Spec.ClusterIP)
	require.Equal(t, labelValueOn,
		got[readServiceName("test", agent)].Spec.Selector[agentLabel(agent, "read")])
	require.Equal(t, labelValueOn,
		got[clusterServiceName("test")].Spec.Selector[LabelAcceptsNewChannels])
}

func TestReconcileAlignsLabels(t *testing.T) {
	scheme := newTestScheme(t)
	mp := newCluster("megaphone:v1", 1)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp).
		Build()
	ctl := newFakeMegactl()
	r := newClusterReconciler(c, scheme, ctl)
	r.pick = func(int) int { return 0 }

	reconcileOnce(t, r)
	agent := virtualAgentID(0, 0)
	ctl.setAgents("mgp-test-0", protocol.VirtualAgentInfo{
		Name: agent, Mode: protocol.ModeMaster, SinceSeconds: 120,
	})
	res := reconcileOnce(t, r)

	var pod corev1.Pod
	require.NoError(t, c.Get(context.Background(),
		types.NamespacedName{Namespace: "default", Name: "mgp-test-0"}, &pod))
	require.Equal(t, labelValueOn, pod.Labels[LabelAcceptsNewChannels])

	// With the master settled the cluster is converged.
	res = reconcileOnce(t, r)
	require.Equal(t, requeueSettled, res.RequeueAfter)
	var got megaphonev1.Megaphone
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "test"}, &got))
	require.Equal(t, megaphonev1.ClusterStatusIdle, got.Status.ClusterStatus)
	require.Nil(t, got.Status.UpgradeSpec)
}

func TestReconcileOverReplication(t *testing.T) {
	scheme := newTestScheme(t)
	mp := newCluster("megaphone:v1", 2)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp).
		Build()
	ctl := newFakeMegactl()
	r := newClusterReconciler(c, scheme, ctl)
	r.pick = func(int) int { return 0 }

	reconcileOnce(t, r)
	require.Len(t, listPods(t, c), 2)

	// Shrink to one replica. The warming-up pod with the highest name is
	// aborted immediately.
	var got megaphonev1.Megaphone
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "test"}, &got))
	got.Spec.Replicas = 1
	require.NoError(t, c.Update(context.Background(), &got))

	reconcileOnce(t, r)
	pods := listPods(t, c)
	require.Len(t, pods, 1)
	require.Equal(t, "mgp-test-0", pods[0].Name)
}

// TestReconcileRollout drives an image bump end to end: the cluster must
// converge to the new image and never lose more routable pods than the
// surge budget allows.
func TestReconcileRollout(t *testing.T) {
	scheme := newTestScheme(t)
	const replicas = 2
	mp := newCluster("megaphone:v1", replicas)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp).
		Build()
	ctl := newFakeMegactl()
	r := newClusterReconciler(c, scheme, ctl)
	r.pick = func(int) int { return 0 }

	settle := func() {
		for _, pod := range listPods(t, c) {
			ctl.mtx.Lock()
			_, known := ctl.agents[pod.Name]
			ctl.mtx.Unlock()
			if !known {
				idx, ok := podIndex("test", pod.Name)
				require.True(t, ok)
				ctl.setAgents(pod.Name, protocol.VirtualAgentInfo{
					Name: virtualAgentID(idx, 0), Mode: protocol.ModeMaster, SinceSeconds: 120,
				})
			}
		}
	}
	countActive := func(spec *megaphonev1.MegaphoneSpec) int {
		active := 0
		for _, pod := range listPods(t, c) {
			if classify(&pod, spec) == phaseActive {
				active++
			}
		}
		return active
	}

	// Bring the initial cluster up on v1.
	for i := 0; i < 4; i++ {
		reconcileOnce(t, r)
		settle()
	}
	newSpec := megaphonev1.MegaphoneSpec{Image: "megaphone:v2", Replicas: replicas, VirtualAgentsPerNode: 1}
	require.Equal(t, replicas, countActive(&mp.Spec))

	// Bump the image.
	var cur megaphonev1.Megaphone
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "test"}, &cur))
	cur.Spec.Image = "megaphone:v2"
	require.NoError(t, c.Update(context.Background(), &cur))

	maxSurge := replicas / 4
	if maxSurge < 1 {
		maxSurge = 1
	}
	converged := false
	for i := 0; i < 20 && !converged; i++ {
		res := reconcileOnce(t, r)
		settle()

		oldActive := 0
		for _, pod := range listPods(t, c) {
			if pod.Spec.Containers[0].Image == "megaphone:v1" &&
				pod.Labels[LabelAcceptsNewChannels] == labelValueOn {
				oldActive++
			}
		}
		total := countActive(&newSpec) + oldActive
		require.GreaterOrEqual(t, total, replicas-maxSurge,
			"routable pods dropped below the surge floor")

		converged = res.RequeueAfter == requeueSettled
	}
	require.True(t, converged, "rollout did not converge")

	pods := listPods(t, c)
	require.Len(t, pods, replicas)
	for _, pod := range pods {
		require.Equal(t, "megaphone:v2", pod.Spec.Containers[0].Image)
		require.Equal(t, labelValueOn, pod.Labels[LabelAcceptsNewChannels])
	}
	var got megaphonev1.Megaphone
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "test"}, &got))
	require.Equal(t, megaphonev1.ClusterStatusIdle, got.Status.ClusterStatus)
}

func TestReconcilePipesDrainingAgents(t *testing.T) {
	scheme := newTestScheme(t)
	mp := newCluster("megaphone:v2", 1)
	// One routable pod on the old image holding channels, one on the new.
	oldPod := newPod(newCluster("megaphone:v1", 1), 0)
	oldPod.Labels[LabelAcceptsNewChannels] = labelValueOn
	freshPod := newPod(mp, 1)
	freshPod.Labels[LabelAcceptsNewChannels] = labelValueOn
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp, oldPod, freshPod).
		Build()
	ctl := newFakeMegactl()
	oldAgent := virtualAgentID(0, 0)
	ctl.setAgents("mgp-test-0", protocol.VirtualAgentInfo{
		Name: oldAgent, Mode: protocol.ModeMaster, SinceSeconds: 300, ChannelsCount: 4,
	})
	ctl.setAgents("mgp-test-1", protocol.VirtualAgentInfo{
		Name: virtualAgentID(1, 0), Mode: protocol.ModeMaster, SinceSeconds: 300,
	})
	r := newClusterReconciler(c, scheme, ctl)
	r.pick = func(int) int { return 0 }

	reconcileOnce(t, r)

	require.Equal(t, []string{
		fmt.Sprintf("mgp-test-0/%s->%s", oldAgent, pipeTargetURL("default", "mgp-test-1")),
	}, ctl.pipes)
	// The drained pod no longer accepts channels.
	var pod corev1.Pod
	require.NoError(t, c.Get(context.Background(),
		types.NamespacedName{Namespace: "default", Name: "mgp-test-0"}, &pod))
	require.Equal(t, labelValueOff, pod.Labels[LabelAcceptsNewChannels])
}

func TestReconcileDeletesDrainedPods(t *testing.T) {
	scheme := newTestScheme(t)
	mp := newCluster("megaphone:v2", 1)
	// A tearing-down pod with every connection label OFF is removed.
	drained := newPod(newCluster("megaphone:v1", 1), 0)
	for k := range drained.Labels {
		if connectionLabelRe.MatchString(k) {
			drained.Labels[k] = labelValueOff
		}
	}
	fresh := newPod(mp, 1)
	fresh.Labels[LabelAcceptsNewChannels] = labelValueOn
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp, drained, fresh).
		Build()
	ctl := newFakeMegactl()
	ctl.setAgents("mgp-test-1", protocol.VirtualAgentInfo{
		Name: virtualAgentID(1, 0), Mode: protocol.ModeMaster, SinceSeconds: 300,
	})
	r := newClusterReconciler(c, scheme, ctl)
	r.pick = func(int) int { return 0 }

	reconcileOnce(t, r)

	pods := listPods(t, c)
	require.Len(t, pods, 1)
	require.Equal(t, "mgp-test-1", pods[0].Name)
}

func TestReconcileFinalizerRemovedOnDelete(t *testing.T) {
	scheme := newTestScheme(t)
	mp := newCluster("megaphone:v1", 1)
	mp.Finalizers = []string{finalizerName}
	now := metav1.Now()
	mp.DeletionTimestamp = &now
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(&megaphonev1.Megaphone{}).
		WithObjects(mp).
		Build()
	r := newClusterReconciler(c, scheme, newFakeMegactl())

	reconcileOnce(t, r)

	// With the finalizer gone the fake client completes the deletion.
	var got megaphonev1.Megaphone
	err := c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "test"}, &got)
	require.Error(t, err)
}
