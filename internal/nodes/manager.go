package nodes

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/retry"

	"github.com/tarebo/maestro/model"
)

const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// WorkerNode is the API view of one worker pod.
type WorkerNode struct {
	Name       string    `json:"name"`
	WorkerType string    `json:"workerType"`
	UserID     string    `json:"userId"`
	Phase      string    `json:"phase"`
	Ready      bool      `json:"ready"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Manager drives worker deployments and per-user worker pods through the
// Kubernetes API.
type Manager struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	namespace  string
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a node lifecycle manager. restConfig may be nil when
// exec support is not needed (it is only used to open exec streams).
func NewManager(client kubernetes.Interface, restConfig *rest.Config, namespace string, opts ...Option) *Manager {
	if namespace == "" {
		namespace = "default"
	}
	m := &Manager{
		client:     client,
		restConfig: restConfig,
		namespace:  namespace,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScaleDeployment sets the replica count of a worker deployment.
func (m *Manager) ScaleDeployment(ctx context.Context, name string, replicas int32) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		dep.Spec.Replicas = &replicas
		_, err = m.client.AppsV1().Deployments(m.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return m.lifecycleError(err, fmt.Sprintf("scale deployment %s to %d", name, replicas))
	}
	m.logger.Info("nodes: deployment scaled", zap.String("deployment", name), zap.Int32("replicas", replicas))
	return nil
}

// RestartDeployment triggers a rolling restart by stamping the pod template,
// the same mechanism kubectl rollout restart uses.
func (m *Manager) RestartDeployment(ctx context.Context, name string) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if dep.Spec.Template.Annotations == nil {
			dep.Spec.Template.Annotations = map[string]string{}
		}
		dep.Spec.Template.Annotations[restartedAtAnnotation] = m.now().UTC().Format(time.RFC3339)
		_, err = m.client.AppsV1().Deployments(m.namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return m.lifecycleError(err, fmt.Sprintf("restart deployment %s", name))
	}
	m.logger.Info("nodes: deployment restarted", zap.String("deployment", name))
	return nil
}

// StartWorkerNode creates a dedicated worker pod and returns its name.
func (m *Manager) StartWorkerNode(ctx context.Context, spec NodeSpec) (string, error) {
	pod, err := buildWorkerPod(m.namespace, spec)
	if err != nil {
		return "", model.NewNodeLifecycleError(err.Error())
	}
	created, err := m.client.CoreV1().Pods(m.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", m.lifecycleError(err, fmt.Sprintf("start worker node for type %s", spec.NodeType))
	}
	m.logger.Info("nodes: worker node started",
		zap.String("pod", created.Name),
		zap.String("workerType", spec.NodeType),
		zap.String("userId", spec.UserID))
	return created.Name, nil
}

// StopWorkerNode deletes a worker pod.
func (m *Manager) StopWorkerNode(ctx context.Context, name string) error {
	err := m.client.CoreV1().Pods(m.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		return m.lifecycleError(err, fmt.Sprintf("stop worker node %s", name))
	}
	m.logger.Info("nodes: worker node stopped", zap.String("pod", name))
	return nil
}

// ExecCommand runs a command inside a worker pod and returns its stdout and
// stderr.
func (m *Manager) ExecCommand(ctx context.Context, podName, container string, command []string) (string, string, error) {
	if m.restConfig == nil {
		return "", "", model.NewNodeLifecycleError("exec requires cluster credentials")
	}
	if len(command) == 0 {
		return "", "", model.NewNodeLifecycleError("exec requires a command")
	}

	req := m.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(m.namespace).
		Name(podName).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(m.restConfig, "POST", req.URL())
	if err != nil {
		return "", "", m.lifecycleError(err, fmt.Sprintf("open exec stream to pod %s", podName))
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return stdout.String(), stderr.String(), m.lifecycleError(err, fmt.Sprintf("exec in pod %s", podName))
	}
	return stdout.String(), stderr.String(), nil
}

// PodLogs returns the logs of a worker pod, optionally limited to the last
// tailLines lines.
func (m *Manager) PodLogs(ctx context.Context, podName string, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	raw, err := m.client.CoreV1().Pods(m.namespace).GetLogs(podName, opts).Do(ctx).Raw()
	if err != nil {
		return "", m.lifecycleError(err, fmt.Sprintf("read logs of pod %s", podName))
	}
	return string(raw), nil
}

// IsWorkerNodeReady reports whether a worker pod is running with every
// container ready.
func (m *Manager) IsWorkerNodeReady(ctx context.Context, podName string) (bool, error) {
	pod, err := m.client.CoreV1().Pods(m.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return false, m.lifecycleError(err, fmt.Sprintf("inspect pod %s", podName))
	}
	return podReady(pod), nil
}

// UserWorkerNodes lists the worker pods started for one user.
func (m *Manager) UserWorkerNodes(ctx context.Context, userID string) ([]WorkerNode, error) {
	selector := fmt.Sprintf("%s=%s,%s=%s", LabelName, workerNameValue, LabelUserID, userID)
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, m.lifecycleError(err, fmt.Sprintf("list worker nodes for user %s", userID))
	}

	nodes := make([]WorkerNode, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		nodes = append(nodes, WorkerNode{
			Name:       pod.Name,
			WorkerType: pod.Labels[LabelWorkerType],
			UserID:     pod.Labels[LabelUserID],
			Phase:      string(pod.Status.Phase),
			Ready:      podReady(pod),
			CreatedAt:  pod.CreationTimestamp.Time,
		})
	}
	return nodes, nil
}

// lifecycleError wraps a Kubernetes API failure. Missing objects keep their
// not-found identity so the API can answer 404 instead of 502.
func (m *Manager) lifecycleError(err error, op string) error {
	if apierrors.IsNotFound(err) {
		return model.NewNotFoundError(fmt.Sprintf("%s: %v", op, err))
	}
	return model.NewNodeLifecycleError(fmt.Sprintf("%s: %v", op, err))
}

// podReady reports whether a pod is running with all containers ready. A pod
// with no reported container statuses is not ready yet.
func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}
