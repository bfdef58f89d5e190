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
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	megaphonev1 "github.com/d71-dev/megaphone/pkg/operator/apis/megaphone/v1"
	"github.com/d71-dev/megaphone/pkg/protocol"
)

const (
	finalizerName = "megaphone.d71.dev"

	// Requeue cadence: slow when the cluster is settled, fast mid-rollout,
	// and a fixed backoff after errors.
	requeueSettled = 300 * time.Second
	requeueRollout = 10 * time.Second
	requeueError   = 60 * time.Second
)

type clusterReconciler struct {
	client  client.Client
	scheme  *runtime.Scheme
	megactl Megactl
	// pick chooses a pipe target among n candidates.
	pick func(n int) int
}

func newClusterReconciler(c client.Client, scheme *runtime.Scheme, megactl Megactl) *clusterReconciler {
	return &clusterReconciler{
		client:  c,
		scheme:  scheme,
		megactl: megactl,
		pick:    rand.IntN,
	}
}

func setupClusterController(mgr ctrl.Manager, megactl Megactl) error {
	err := ctrl.NewControllerManagedBy(mgr).
		Named("megaphone-cluster").
		For(&megaphonev1.Megaphone{}).
		Owns(&corev1.Pod{}).
		Owns(&corev1.Service{}).
		WithOptions(controller.Options{
			RateLimiter: workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](requeueError, requeueError),
		}).
		Complete(newClusterReconciler(mgr.GetClient(), mgr.GetScheme(), megactl))
	if err != nil {
		return fmt.Errorf("megaphone cluster controller: %w", err)
	}
	return nil
}

func (r *clusterReconciler) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	logger, _ := logr.FromContext(ctx)
	logger = logger.WithValues("megaphone", req.NamespacedName)

	var mp megaphonev1.Megaphone
	if err := r.client.Get(ctx, req.NamespacedName, &mp); apierrors.IsNotFound(err) {
		return reconcile.Result{}, nil
	} else if err != nil {
		return reconcile.Result{}, internalError(err)
	}

	if !mp.DeletionTimestamp.IsZero() {
		// Owner references cascade pods and services; cleanup itself is a
		// no-op, the finalizer only sequences the deletion.
		if controllerutil.RemoveFinalizer(&mp, finalizerName) {
			if err := r.client.Update(ctx, &mp); err != nil {
				return reconcile.Result{}, finalizerError(err)
			}
		}
		return reconcile.Result{}, nil
	}
	if controllerutil.AddFinalizer(&mp, finalizerName) {
		if err := r.client.Update(ctx, &mp); err != nil {
			return reconcile.Result{}, finalizerError(err)
		}
	}

	res, err := r.reconcileCluster(ctx, logger, &mp)
	if err != nil {
		logger.Error(err, "reconcile failed")
		return reconcile.Result{}, err
	}
	return res, nil
}

func (r *clusterReconciler) reconcileCluster(ctx context.Context, logger logr.Logger, mp *megaphonev1.Megaphone) (reconcile.Result, error) {
	ns := mp.Namespace

	// Step 1: list and classify.
	var podList corev1.PodList
	if err := r.client.List(ctx, &podList,
		client.InNamespace(ns), client.MatchingLabels{LabelCluster: mp.Name}); err != nil {
		return reconcile.Result{}, internalError(err)
	}
	buckets := map[podPhase][]*corev1.Pod{}
	for i := range podList.Items {
		pod := &podList.Items[i]
		if pod.Name == "" {
			return reconcile.Result{}, missingObjectKey("metadata.name")
		}
		phase := classify(pod, &mp.Spec)
		buckets[phase] = append(buckets[phase], pod)
	}
	for _, b := range buckets {
		sortPodsByName(b)
	}

	// Step 2: demote the excess when over-replicated. Warming-up pods go
	// first since nothing routes to them yet.
	replicas := int(mp.Spec.Replicas)
	for len(buckets[phaseActive])+len(buckets[phaseWarmingUp]) > replicas {
		if n := len(buckets[phaseWarmingUp]); n > 0 {
			buckets[phaseQueuedForAbort] = append(buckets[phaseQueuedForAbort], buckets[phaseWarmingUp][n-1])
			buckets[phaseWarmingUp] = buckets[phaseWarmingUp][:n-1]
			continue
		}
		n := len(buckets[phaseActive])
		buckets[phaseQueuedForTearDown] = append(buckets[phaseQueuedForTearDown], buckets[phaseActive][n-1])
		buckets[phaseActive] = buckets[phaseActive][:n-1]
	}
	sortPodsByName(buckets[phaseQueuedForTearDown])
	sortPodsByName(buckets[phaseQueuedForAbort])

	// Step 3: delete tearing-down pods whose connection labels are all OFF
	// and aborted pods unconditionally.
	deleted := map[string]bool{}
	var tearingDown []*corev1.Pod
	for _, pod := range buckets[phaseTearingDown] {
		closed, live := connectionsClosed(pod.Labels)
		if !closed {
			logger.Info("tear-down still draining", "pod", pod.Name, "live", strings.Join(live, ","))
			tearingDown = append(tearingDown, pod)
			continue
		}
		if err := r.client.Delete(ctx, pod); err != nil && !apierrors.IsNotFound(err) {
			return reconcile.Result{}, podDeletionFailed(err)
		}
		deleted[pod.Name] = true
	}
	buckets[phaseTearingDown] = tearingDown
	for _, pod := range buckets[phaseQueuedForAbort] {
		if err := r.client.Delete(ctx, pod); err != nil && !apierrors.IsNotFound(err) {
			return reconcile.Result{}, podDeletionFailed(err)
		}
		deleted[pod.Name] = true
	}
	buckets[phaseQueuedForAbort] = nil

	// Step 4: create one pod per missing slot, smallest free index first.
	// Names of pods still terminating stay reserved.
	used := map[int32]bool{}
	for i := range podList.Items {
		if idx, ok := podIndex(mp.Name, podList.Items[i].Name); ok {
			used[idx] = true
		}
	}
	count := len(podList.Items) - len(deleted)
	for count < replicas {
		idx := smallestFreeIndex(used)
		pod := newPod(mp, idx)
		if err := controllerutil.SetControllerReference(mp, pod, r.scheme); err != nil {
			return reconcile.Result{}, internalError(err)
		}
		if err := r.client.Create(ctx, pod); err != nil {
			return reconcile.Result{}, podCreationFailed(err)
		}
		logger.Info("created pod", "pod", pod.Name)
		used[idx] = true
		count++
		buckets[phaseWarmingUp] = append(buckets[phaseWarmingUp], pod)
	}
	sortPodsByName(buckets[phaseWarmingUp])

	// Step 5: the tear-down slice. max_surge bounds how many spare pods the
	// rollout keeps around.
	maxSurge := replicas / 4
	if maxSurge < 1 {
		maxSurge = 1
	}
	toDelete := len(buckets[phaseActive]) + len(buckets[phaseQueuedForTearDown]) + maxSurge - replicas
	if toDelete < 0 {
		toDelete = 0
	}
	tearDown := map[string]*corev1.Pod{}
	for _, pod := range buckets[phaseTearingDown] {
		tearDown[pod.Name] = pod
	}
	for i := 0; i < toDelete && i < len(buckets[phaseQueuedForTearDown]); i++ {
		pod := buckets[phaseQueuedForTearDown][i]
		tearDown[pod.Name] = pod
	}

	// Step 6: pipe targets are the routable pods that stay.
	var targets []string
	for _, bucket := range [][]*corev1.Pod{buckets[phaseActive], buckets[phaseQueuedForTearDown]} {
		for _, pod := range bucket {
			if tearDown[pod.Name] == nil {
				targets = append(targets, pipeTargetURL(ns, pod.Name))
			}
		}
	}
	sort.Strings(targets)

	// Step 7: drain each pod being torn down. Agents still holding channels
	// are piped to a surviving pod so no buffered events are stranded.
	for _, name := range sortedKeys(tearDown) {
		pod := tearDown[name]
		if pod.Labels[LabelAcceptsNewChannels] == labelValueOn {
			if err := r.patchLabels(ctx, pod, map[string]string{LabelAcceptsNewChannels: labelValueOff}); err != nil {
				return reconcile.Result{}, internalError(err)
			}
		}
		if len(targets) == 0 {
			continue
		}
		agents, err := r.megactl.ListAgents(ctx, ns, name)
		if err != nil {
			logger.Error(err, "list agents before drain", "pod", name)
			continue
		}
		for _, a := range agents {
			switch a.Mode {
			case protocol.ModePiped:
				logger.Info("agent already piped", "pod", name, "agent", a.Name)
			case protocol.ModeMaster, protocol.ModeReplica:
				if a.ChannelsCount == 0 {
					continue
				}
				target := targets[r.pick(len(targets))]
				if err := r.megactl.PipeAgent(ctx, ns, name, a.Name, target); err != nil {
					logger.Error(err, "pipe agent", "pod", name, "agent", a.Name, "target", target)
				}
			}
		}
	}

	// Step 8: align connection labels on every surviving pod. Pods that
	// cannot be queried yet (still starting) keep their bootstrap labels.
	var alive []*corev1.Pod
	for _, b := range buckets {
		alive = append(alive, b...)
	}
	sortPodsByName(alive)

	var (
		wg         sync.WaitGroup
		mtx        sync.Mutex
		agentsSeen = map[string]bool{}
		patchErr   error
	)
	for _, pod := range alive {
		wg.Add(1)
		go func(pod *corev1.Pod) {
			defer wg.Done()
			agents, err := r.megactl.ListAgents(ctx, ns, pod.Name)
			if err != nil {
				logger.Error(err, "list agents", "pod", pod.Name)
				return
			}
			desired := desiredConnectionLabels(agents, tearDown[pod.Name] != nil)
			mtx.Lock()
			for _, a := range agents {
				agentsSeen[a.Name] = true
			}
			mtx.Unlock()
			if !labelsSubset(desired, pod.Labels) {
				if err := r.patchLabels(ctx, pod, desired); err != nil {
					mtx.Lock()
					patchErr = err
					mtx.Unlock()
				}
			}
		}(pod)
	}
	wg.Wait()
	if patchErr != nil {
		return reconcile.Result{}, internalError(patchErr)
	}

	// Step 9: materialize the service set.
	for _, pod := range alive {
		for label := range pod.Labels {
			if agent, ok := agentFromLabel(label); ok {
				agentsSeen[agent] = true
			}
		}
	}
	agents := sortedKeys(agentsSeen)
	podNames := make([]string, 0, len(alive))
	for _, pod := range alive {
		podNames = append(podNames, pod.Name)
	}

	required := map[string]bool{}
	for _, svc := range desiredServices(ns, mp.Name, agents, podNames) {
		if err := r.applyService(ctx, mp, svc); err != nil {
			return reconcile.Result{}, internalError(err)
		}
		required[svc.Name] = true
	}

	// Step 10: drop services for agents and pods that no longer exist.
	var svcList corev1.ServiceList
	if err := r.client.List(ctx, &svcList,
		client.InNamespace(ns), client.MatchingLabels{LabelService: mp.Name}); err != nil {
		return reconcile.Result{}, internalError(err)
	}
	for i := range svcList.Items {
		svc := &svcList.Items[i]
		if required[svc.Name] {
			continue
		}
		if err := r.client.Delete(ctx, svc); err != nil && !apierrors.IsNotFound(err) {
			return reconcile.Result{}, internalError(err)
		}
	}

	// Step 11: publish the observed state.
	converged := len(buckets[phaseWarmingUp]) == 0 &&
		len(buckets[phaseQueuedForTearDown]) == 0 &&
		len(buckets[phaseTearingDown]) == 0
	status := megaphonev1.MegaphoneStatus{
		Pods:          podNames,
		Services:      sortedKeys(required),
		ClusterStatus: megaphonev1.ClusterStatusIdle,
	}
	if !converged {
		status.ClusterStatus = megaphonev1.ClusterStatusUpgrade
		status.UpgradeSpec = mp.Spec.DeepCopy()
	}
	if !apiequality.Semantic.DeepEqual(mp.Status, status) {
		patch := client.MergeFrom(mp.DeepCopy())
		mp.Status = status
		if err := r.client.Status().Patch(ctx, mp, patch); err != nil {
			return reconcile.Result{}, internalError(err)
		}
	}

	// Step 12: requeue.
	if converged {
		return reconcile.Result{RequeueAfter: requeueSettled}, nil
	}
	return reconcile.Result{RequeueAfter: requeueRollout}, nil
}

// patchLabels merges the given labels into the pod.
func (r *clusterReconciler) patchLabels(ctx context.Context, pod *corev1.Pod, labels map[string]string) error {
	patch := client.MergeFrom(pod.DeepCopy())
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	for k, v := range labels {
		pod.Labels[k] = v
	}
	return r.client.Patch(ctx, pod, patch)
}

// applyService creates or updates one generated service, keeping it owned
// by the cluster resource.
func (r *clusterReconciler) applyService(ctx context.Context, mp *megaphonev1.Megaphone, desired *corev1.Service) error {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Namespace: desired.Namespace, Name: desired.Name}}
	_, err := controllerutil.CreateOrUpdate(ctx, r.client, svc, func() error {
		svc.Labels = desired.Labels
		svc.Spec.Selector = desired.Spec.Selector
		svc.Spec.Ports = desired.Spec.Ports
		// ClusterIP is immutable; only set None on first creation.
		if desired.Spec.ClusterIP == corev1.ClusterIPNone && svc.CreationTimestamp.IsZero() {
			svc.Spec.ClusterIP = corev1.ClusterIPNone
		}
		return controllerutil.SetControllerReference(mp, svc, r.scheme)
	})
	return err
}

// agentFromLabel recovers the agent name from a megaphone-{agent}-read label.
func agentFromLabel(label string) (string, bool) {
	inner, ok := strings.CutPrefix(label, "megaphone-")
	if !ok {
		return "", false
	}
	agent, ok := strings.CutSuffix(inner, "-read")
	if !ok || agent == "" || strings.Contains(agent, "-") {
		return "", false
	}
	return agent, true
}

func labelsSubset(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func sortPodsByName(pods []*corev1.Pod) {
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
