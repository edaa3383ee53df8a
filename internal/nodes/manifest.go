// Package nodes manages dedicated worker nodes on Kubernetes: scaling the
// standing worker deployments and starting, inspecting, and stopping
// per-user worker pods. Failures surface as NODE_LIFECYCLE_ERROR and are
// never retried automatically.
package nodes

import (
	"fmt"
	"slices"

	"github.com/rs/xid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Pod labels used to find worker nodes again later.
const (
	LabelName       = "app.kubernetes.io/name"
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelWorkerType = "maestro.io/worker-type"
	LabelUserID     = "maestro.io/user-id"

	workerNameValue = "maestro-worker"
	managedByValue  = "maestro"

	gpuResourceName = "nvidia.com/gpu"
)

// NodeSpec describes one worker node to start.
type NodeSpec struct {
	UserID     string            `json:"userId"`
	NodeType   string            `json:"nodeType"`
	Image      string            `json:"image"`
	CPU        string            `json:"cpu"`
	Memory     string            `json:"memory"`
	GPU        bool              `json:"gpu"`
	Env        map[string]string `json:"env,omitempty"`
	Command    []string          `json:"command,omitempty"`
	GPUCount   int64             `json:"gpuCount,omitempty"`
	Deployment string            `json:"-"`
}

// buildWorkerPod renders the pod manifest for a worker node. Worker pods run
// to completion and are never restarted in place; the retry policy lives in
// the orchestration engine, not in the kubelet.
func buildWorkerPod(namespace string, spec NodeSpec) (*corev1.Pod, error) {
	if spec.NodeType == "" {
		return nil, fmt.Errorf("node spec missing nodeType")
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("node spec missing image")
	}

	cpu, err := resource.ParseQuantity(spec.CPU)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu quantity %q: %w", spec.CPU, err)
	}
	memory, err := resource.ParseQuantity(spec.Memory)
	if err != nil {
		return nil, fmt.Errorf("invalid memory quantity %q: %w", spec.Memory, err)
	}

	requests := corev1.ResourceList{
		corev1.ResourceCPU:    cpu,
		corev1.ResourceMemory: memory,
	}
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    cpu,
		corev1.ResourceMemory: memory,
	}
	if spec.GPU {
		count := spec.GPUCount
		if count <= 0 {
			count = 1
		}
		limits[corev1.ResourceName(gpuResourceName)] = *resource.NewQuantity(count, resource.DecimalSI)
	}

	env := []corev1.EnvVar{
		{Name: "MAESTRO_WORKER_TYPE", Value: spec.NodeType},
		{Name: "MAESTRO_USER_ID", Value: spec.UserID},
	}
	names := make([]string, 0, len(spec.Env))
	for name := range spec.Env {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: spec.Env[name]})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      workerPodName(spec.NodeType),
			Namespace: namespace,
			Labels: map[string]string{
				LabelName:       workerNameValue,
				LabelManagedBy:  managedByValue,
				LabelWorkerType: spec.NodeType,
				LabelUserID:     spec.UserID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "worker",
					Image:   spec.Image,
					Command: spec.Command,
					Env:     env,
					Resources: corev1.ResourceRequirements{
						Requests: requests,
						Limits:   limits,
					},
				},
			},
		},
	}
	return pod, nil
}

// workerPodName builds a DNS-safe unique pod name for a worker node.
func workerPodName(nodeType string) string {
	return fmt.Sprintf("maestro-%s-%s", nodeType, xid.New().String())
}
