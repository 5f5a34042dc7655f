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

// Package switcher performs the atomic node switch: scale out, wait ready,
// cordon, drain, terminate. Capacity never dips below the starting point:
// the replacement is Ready before the old node stops scheduling, and a
// failure on the way up rolls the partial launch back.
package switcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	policyv1 "k8s.io/api/policy/v1"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/avast/retry-go"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/providers/instance"
)

const (
	cordonRetries      = 3
	cordonRetryDelay   = 2 * time.Second
	evictionRetryDelay = 10 * time.Second
	nodePollInterval   = 5 * time.Second
)

// Switcher drives the sequence against one cluster.
type Switcher struct {
	kube      client.Client
	instances instance.Provider
	clock     clock.Clock

	readyTimeout time.Duration
	drainTimeout time.Duration
}

func New(kube client.Client, instances instance.Provider, clk clock.Clock, readyTimeout, drainTimeout time.Duration) *Switcher {
	return &Switcher{
		kube:         kube,
		instances:    instances,
		clock:        clk,
		readyTimeout: readyTimeout,
		drainTimeout: drainTimeout,
	}
}

// Switch replaces the node with a fresh spot instance in the target pool.
// Pre: the cluster serves its workload with N ready nodes. Post on success:
// N ready nodes again, old instance released, no disruption budget violated.
// Post on failure: never fewer ready nodes than before; at worst the old
// node is left cordoned for the operator.
func (s *Switcher) Switch(ctx context.Context, nodeName, cloudInstanceID string, target core.Pool) error {
	logger := logging.FromContext(ctx).With("node", nodeName, "target", target.ID())
	ctx = logging.WithLogger(ctx, logger)

	release := s.instances.Serialize(cloudInstanceID)
	defer release()

	// step 1: scale out and wait for the replacement to join Ready
	launched, err := s.instances.Launch(ctx, target, map[string]string{
		"spotherd.io/replaces-node": nodeName,
	})
	if err != nil {
		return errors.WithKind(errors.KindExecutionFailure, fmt.Errorf("scaling out, %w", err))
	}
	if err := s.waitNodeReady(ctx, launched.CloudInstanceID); err != nil {
		logger.Errorf("replacement never became ready, rolling back, %s", err)
		if terminateErr := s.instances.Terminate(ctx, launched.CloudInstanceID); terminateErr != nil {
			logger.Errorf("rolling back partial launch %s, %s", launched.CloudInstanceID, terminateErr)
		}
		return errors.WithKind(errors.KindExecutionFailure, fmt.Errorf("waiting for replacement node, %w", err))
	}

	// step 2: stop scheduling onto the old node
	if err := s.cordon(ctx, nodeName); err != nil {
		return errors.WithKind(errors.KindExecutionFailure, fmt.Errorf("cordoning %s, %w", nodeName, err))
	}

	// step 3: move the workload off, honoring disruption budgets
	if err := s.drain(ctx, nodeName); err != nil {
		// node stays cordoned for the operator; capacity is intact because
		// the replacement is already Ready
		return errors.WithKind(errors.KindExecutionFailure, fmt.Errorf("draining %s, %w", nodeName, err))
	}

	// step 4: release the old instance
	if err := s.instances.Terminate(ctx, cloudInstanceID); err != nil {
		return errors.WithKind(errors.KindExecutionFailure, fmt.Errorf("terminating %s, %w", cloudInstanceID, err))
	}
	logger.Infof("atomic switch complete")
	return nil
}

// waitNodeReady polls until a node backed by the instance reports Ready.
func (s *Switcher) waitNodeReady(ctx context.Context, cloudInstanceID string) error {
	deadline := s.clock.Now().Add(s.readyTimeout)
	for {
		node, err := s.nodeForInstance(ctx, cloudInstanceID)
		if err == nil && nodeIsReady(node) {
			return nil
		}
		if s.clock.Now().Add(nodePollInterval).After(deadline) {
			return fmt.Errorf("node for %s not ready within %s", cloudInstanceID, s.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(nodePollInterval):
		}
	}
}

func (s *Switcher) nodeForInstance(ctx context.Context, cloudInstanceID string) (*corev1.Node, error) {
	nodes := &corev1.NodeList{}
	if err := s.kube.List(ctx, nodes); err != nil {
		return nil, fmt.Errorf("listing nodes, %w", err)
	}
	for i := range nodes.Items {
		if strings.HasSuffix(nodes.Items[i].Spec.ProviderID, "/"+cloudInstanceID) {
			return &nodes.Items[i], nil
		}
	}
	return nil, errors.NotFound("no node registered for instance %s", cloudInstanceID)
}

func nodeIsReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// cordon marks the node unschedulable, retrying on conflicts and transient
// API faults.
func (s *Switcher) cordon(ctx context.Context, nodeName string) error {
	return retry.Do(func() error {
		node := &corev1.Node{}
		if err := s.kube.Get(ctx, client.ObjectKey{Name: nodeName}, node); err != nil {
			return err
		}
		if node.Spec.Unschedulable {
			return nil
		}
		stored := node.DeepCopy()
		node.Spec.Unschedulable = true
		return s.kube.Patch(ctx, node, client.StrategicMergeFrom(stored))
	},
		retry.Context(ctx),
		retry.Attempts(cordonRetries),
		retry.Delay(cordonRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// drain evicts every reschedulable pod from the node. DaemonSet-owned and
// mirror pods stay; they either tolerate the cordon or die with the node.
// Evictions refused by a disruption budget wait and retry until the drain
// budget lapses.
func (s *Switcher) drain(ctx context.Context, nodeName string) error {
	deadline := s.clock.Now().Add(s.drainTimeout)
	for {
		remaining, err := s.evictablePods(ctx, nodeName)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			return nil
		}
		refused := 0
		for i := range remaining {
			if err := s.evict(ctx, &remaining[i]); err != nil {
				if apierrors.IsTooManyRequests(err) {
					// disruption budget exhausted; the pod gets another pass
					refused++
					continue
				}
				if apierrors.IsNotFound(err) {
					continue
				}
				return fmt.Errorf("evicting %s/%s, %w", remaining[i].Namespace, remaining[i].Name, err)
			}
		}
		if s.clock.Now().Add(evictionRetryDelay).After(deadline) {
			return fmt.Errorf("%d pods still on node after %s", len(remaining), s.drainTimeout)
		}
		if refused > 0 {
			logging.FromContext(ctx).With("refused-count", refused).Debugf("evictions refused by disruption budgets, waiting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(evictionRetryDelay):
		}
	}
}

func (s *Switcher) evictablePods(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	pods := &corev1.PodList{}
	if err := s.kube.List(ctx, pods, client.MatchingFields{"spec.nodeName": nodeName}); err != nil {
		return nil, fmt.Errorf("listing pods on %s, %w", nodeName, err)
	}
	out := []corev1.Pod{}
	for _, pod := range pods.Items {
		if isDaemonSetOwned(&pod) || isMirrorPod(&pod) || isTerminal(&pod) {
			continue
		}
		out = append(out, pod)
	}
	return out, nil
}

func (s *Switcher) evict(ctx context.Context, pod *corev1.Pod) error {
	return s.kube.SubResource("eviction").Create(ctx, pod, &policyv1.Eviction{})
}

func isDaemonSetOwned(pod *corev1.Pod) bool {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func isMirrorPod(pod *corev1.Pod) bool {
	_, ok := pod.Annotations[corev1.MirrorPodAnnotationKey]
	return ok
}

func isTerminal(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}
