package nodes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestBuildWorkerPod(t *testing.T) {
	pod, err := buildWorkerPod("maestro-workers", NodeSpec{
		UserID:   "user-1",
		NodeType: "llm",
		Image:    "tarebo/llm-worker:latest",
		CPU:      "250m",
		Memory:   "128Mi",
		GPU:      true,
	})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(pod.Name, "maestro-llm-"), "pod name %q", pod.Name)
	require.Equal(t, "maestro-workers", pod.Namespace)
	require.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)

	require.Equal(t, "maestro-worker", pod.Labels[LabelName])
	require.Equal(t, "llm", pod.Labels[LabelWorkerType])
	require.Equal(t, "user-1", pod.Labels[LabelUserID])

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	require.Equal(t, "tarebo/llm-worker:latest", c.Image)

	wantCPU := resource.MustParse("250m")
	wantMemory := resource.MustParse("128Mi")
	require.True(t, c.Resources.Requests[corev1.ResourceCPU].Equal(wantCPU))
	require.True(t, c.Resources.Requests[corev1.ResourceMemory].Equal(wantMemory))
	require.True(t, c.Resources.Limits[corev1.ResourceCPU].Equal(wantCPU))
	require.True(t, c.Resources.Limits[corev1.ResourceMemory].Equal(wantMemory))

	gpu, ok := c.Resources.Limits[corev1.ResourceName("nvidia.com/gpu")]
	require.True(t, ok, "gpu limit missing")
	require.Equal(t, int64(1), gpu.Value())
}

func TestBuildWorkerPod_withoutGPU(t *testing.T) {
	pod, err := buildWorkerPod("default", NodeSpec{
		UserID:   "user-1",
		NodeType: "resume",
		Image:    "tarebo/resume-worker:latest",
		CPU:      "250m",
		Memory:   "256Mi",
	})
	require.NoError(t, err)

	_, ok := pod.Spec.Containers[0].Resources.Limits[corev1.ResourceName("nvidia.com/gpu")]
	require.False(t, ok, "gpu limit present on a cpu-only node")
}

func TestBuildWorkerPod_gpuCount(t *testing.T) {
	pod, err := buildWorkerPod("default", NodeSpec{
		UserID:   "user-1",
		NodeType: "llm",
		Image:    "tarebo/llm-worker:latest",
		CPU:      "1",
		Memory:   "2Gi",
		GPU:      true,
		GPUCount: 2,
	})
	require.NoError(t, err)

	gpu := pod.Spec.Containers[0].Resources.Limits[corev1.ResourceName("nvidia.com/gpu")]
	require.Equal(t, int64(2), gpu.Value())
}

func TestBuildWorkerPod_envAndCommand(t *testing.T) {
	pod, err := buildWorkerPod("default", NodeSpec{
		UserID:   "user-1",
		NodeType: "resume",
		Image:    "tarebo/resume-worker:latest",
		CPU:      "250m",
		Memory:   "256Mi",
		Env:      map[string]string{"NATS_URL": "nats://bus:4222"},
		Command:  []string{"/worker", "--once"},
	})
	require.NoError(t, err)

	c := pod.Spec.Containers[0]
	require.Equal(t, []string{"/worker", "--once"}, c.Command)

	vars := map[string]string{}
	for _, e := range c.Env {
		vars[e.Name] = e.Value
	}
	require.Equal(t, "resume", vars["MAESTRO_WORKER_TYPE"])
	require.Equal(t, "user-1", vars["MAESTRO_USER_ID"])
	require.Equal(t, "nats://bus:4222", vars["NATS_URL"])
}

func TestBuildWorkerPod_invalidQuantity(t *testing.T) {
	_, err := buildWorkerPod("default", NodeSpec{
		UserID:   "user-1",
		NodeType: "resume",
		Image:    "tarebo/resume-worker:latest",
		CPU:      "two-and-a-half",
		Memory:   "256Mi",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid cpu quantity")
}

func TestBuildWorkerPod_requiresTypeAndImage(t *testing.T) {
	_, err := buildWorkerPod("default", NodeSpec{Image: "img", CPU: "1", Memory: "1Gi"})
	require.Error(t, err)

	_, err = buildWorkerPod("default", NodeSpec{NodeType: "resume", CPU: "1", Memory: "1Gi"})
	require.Error(t, err)
}
