package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	kexec "k8s.io/client-go/util/exec"

	"github.com/codebench/codebench/internal/common/config"
	"github.com/codebench/codebench/internal/common/logger"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

const (
	sandboxContainerName = "sandbox"
	podReadyTimeout      = 60 * time.Second
	podReadyPollInterval = 500 * time.Millisecond
)

// Pod waiting reasons that mean the image cannot be pulled.
var imagePullFailureReasons = map[string]bool{
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
	"InvalidImageName": true,
}

// KubeRuntime provisions sandboxes as pods on a Kubernetes cluster. Pods
// have no access to the host mirror, so workspace files are pushed into the
// pod filesystem explicitly.
type KubeRuntime struct {
	client         kubernetes.Interface
	restConfig     *rest.Config
	cfg            config.SandboxConfig
	namespace      string
	serviceAccount string
	logger         *logger.Logger
}

var _ Runtime = (*KubeRuntime)(nil)

// NewKubeRuntime creates a Kubernetes-backed runtime. In-cluster config is
// tried first, then the configured kubeconfig path, then the default one.
func NewKubeRuntime(kubeCfg config.KubernetesConfig, sandboxCfg config.SandboxConfig, log *logger.Logger) (*KubeRuntime, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := kubeCfg.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &KubeRuntime{
		client:         client,
		restConfig:     restConfig,
		cfg:            sandboxCfg,
		namespace:      kubeCfg.Namespace,
		serviceAccount: kubeCfg.ServiceAccount,
		logger:         log.WithFields(zap.String("runtime", "kubernetes"), zap.String("namespace", kubeCfg.Namespace)),
	}, nil
}

func (r *KubeRuntime) Name() string { return "kubernetes" }

func (r *KubeRuntime) BindMounted() bool { return false }

func (r *KubeRuntime) Available(ctx context.Context) bool {
	_, err := r.client.CoreV1().Namespaces().Get(ctx, r.namespace, metav1.GetOptions{})
	return err == nil
}

// VerifyImage cannot inspect the cluster's image store up front; pull
// failures surface as ErrImageMissing during Provision instead.
func (r *KubeRuntime) VerifyImage(ctx context.Context) error {
	return nil
}

// Provision creates a sandbox pod and waits for it to become ready.
func (r *KubeRuntime) Provision(ctx context.Context, key, workingDir string) (string, error) {
	podName := podName(key)

	memLimit := resource.MustParse(fmt.Sprintf("%dMi", r.cfg.MemoryMB))
	cpuLimit := resource.MustParse(fmt.Sprintf("%dm", int(r.cfg.CPUCores*1000)))
	uid := int64(r.cfg.SandboxUID)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: r.namespace,
			Labels: map[string]string{
				LabelManaged:    ManagedValue,
				LabelSessionKey: key,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			AutomountServiceAccountToken:  ptr(false),
			EnableServiceLinks:            ptr(false),
			TerminationGracePeriodSeconds: ptr(int64(10)),
			Containers: []corev1.Container{
				{
					Name:            sandboxContainerName,
					Image:           r.cfg.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         []string{"sleep", "infinity"},
					WorkingDir:      r.cfg.WorkdirMount,
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceMemory: memLimit,
							corev1.ResourceCPU:    cpuLimit,
						},
						Requests: corev1.ResourceList{
							corev1.ResourceMemory: resource.MustParse("64Mi"),
							corev1.ResourceCPU:    resource.MustParse("50m"),
						},
					},
					SecurityContext: &corev1.SecurityContext{
						RunAsNonRoot:             ptr(true),
						RunAsUser:                &uid,
						RunAsGroup:               &uid,
						AllowPrivilegeEscalation: ptr(false),
						Capabilities: &corev1.Capabilities{
							Drop: []corev1.Capability{"ALL"},
						},
						SeccompProfile: &corev1.SeccompProfile{
							Type: corev1.SeccompProfileTypeRuntimeDefault,
						},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: r.cfg.WorkdirMount},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{
							SizeLimit: ptr(resource.MustParse("1Gi")),
						},
					},
				},
			},
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: ptr(true),
				RunAsUser:    &uid,
				RunAsGroup:   &uid,
				FSGroup:      &uid,
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileTypeRuntimeDefault,
				},
			},
		},
	}

	if r.serviceAccount != "" {
		pod.Spec.ServiceAccountName = r.serviceAccount
	}

	created, err := r.client.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating sandbox pod: %w", err)
	}

	if err := r.waitForPodRunning(ctx, created.Name, podReadyTimeout); err != nil {
		_ = r.deletePod(ctx, created.Name)
		return "", err
	}

	r.logger.Info("Sandbox provisioned",
		zap.String("session_key", key),
		zap.String("handle", created.Name),
	)
	return created.Name, nil
}

// waitForPodRunning polls until the sandbox container is ready. Image pull
// failures are reported as ErrImageMissing so callers fail fast.
func (r *KubeRuntime) waitForPodRunning(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for pod %s to be running", name)
		}

		pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("getting pod: %w", err)
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == sandboxContainerName && cs.Ready {
					return nil
				}
			}
		case corev1.PodFailed, corev1.PodSucceeded:
			return fmt.Errorf("pod %s is in terminal phase: %s", name, pod.Status.Phase)
		default:
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.State.Waiting != nil && imagePullFailureReasons[cs.State.Waiting.Reason] {
					return fmt.Errorf("%w: %s (%s)", ErrImageMissing, r.cfg.Image, cs.State.Waiting.Reason)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(podReadyPollInterval):
		}
	}
}

// Exec runs a one-shot command in the pod via the exec subresource with
// stdout and stderr merged into a single buffer.
func (r *KubeRuntime) Exec(ctx context.Context, handle, command string) (*v1.ExecResult, error) {
	wrapped := fmt.Sprintf("cd %s && %s", r.cfg.WorkdirMount, command)
	output, exitCode, err := r.execInPod(ctx, handle, []string{"sh", "-c", wrapped})
	if err != nil {
		return nil, err
	}
	return &v1.ExecResult{Output: output, ExitCode: exitCode}, nil
}

func (r *KubeRuntime) execInPod(ctx context.Context, podName string, cmd []string) (string, int, error) {
	req := r.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(r.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: sandboxContainerName,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(r.restConfig, "POST", req.URL())
	if err != nil {
		return "", -1, fmt.Errorf("creating executor: %w", err)
	}

	var buf bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &buf,
		Stderr: &buf,
	})
	if err != nil {
		var codeErr kexec.CodeExitError
		if errors.As(err, &codeErr) {
			return buf.String(), codeErr.Code, nil
		}
		return buf.String(), -1, err
	}

	return buf.String(), 0, nil
}

func (r *KubeRuntime) Stop(ctx context.Context, handle string) error {
	return r.deletePod(ctx, handle)
}

func (r *KubeRuntime) deletePod(ctx context.Context, name string) error {
	err := r.client.CoreV1().Pods(r.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr(int64(0)),
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", name, err)
	}
	return nil
}

// Stats reports pod phase; per-container usage requires the metrics API,
// which sandbox clusters do not reliably run.
func (r *KubeRuntime) Stats(ctx context.Context, handle string) (*v1.SandboxStats, error) {
	pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting pod %s: %w", handle, err)
	}

	return &v1.SandboxStats{
		Status: strings.ToLower(string(pod.Status.Phase)),
	}, nil
}

func (r *KubeRuntime) IsRunning(ctx context.Context, handle string) (bool, error) {
	pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return pod.Status.Phase == corev1.PodRunning, nil
}

// CleanupOrphans deletes all pods carrying this service's managed label.
func (r *KubeRuntime) CleanupOrphans(ctx context.Context) (int, error) {
	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelManaged, ManagedValue),
	})
	if err != nil {
		return 0, fmt.Errorf("listing sandbox pods: %w", err)
	}

	removed := 0
	for _, pod := range pods.Items {
		if err := r.deletePod(ctx, pod.Name); err != nil {
			r.logger.Warn("Failed to remove orphaned sandbox",
				zap.String("handle", pod.Name),
				zap.Error(err),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// WriteFile pushes file content into the pod via a quoted heredoc.
func (r *KubeRuntime) WriteFile(ctx context.Context, handle, relPath, content string) error {
	target := path.Join(r.cfg.WorkdirMount, relPath)
	dir := path.Dir(target)
	script := fmt.Sprintf("mkdir -p %s && cat > %s << 'CODEBENCH_EOF'\n%s\nCODEBENCH_EOF", dir, target, content)

	_, exitCode, err := r.execInPod(ctx, handle, []string{"sh", "-c", script})
	if err != nil {
		return fmt.Errorf("writing %s to pod %s: %w", relPath, handle, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("writing %s to pod %s: exit code %d", relPath, handle, exitCode)
	}
	return nil
}

func (r *KubeRuntime) RemoveFile(ctx context.Context, handle, relPath string) error {
	target := path.Join(r.cfg.WorkdirMount, relPath)
	_, exitCode, err := r.execInPod(ctx, handle, []string{"rm", "-rf", target})
	if err != nil {
		return fmt.Errorf("removing %s from pod %s: %w", relPath, handle, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("removing %s from pod %s: exit code %d", relPath, handle, exitCode)
	}
	return nil
}

func (r *KubeRuntime) MakeDir(ctx context.Context, handle, relPath string) error {
	target := path.Join(r.cfg.WorkdirMount, relPath)
	_, exitCode, err := r.execInPod(ctx, handle, []string{"mkdir", "-p", target})
	if err != nil {
		return fmt.Errorf("creating directory %s in pod %s: %w", relPath, handle, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("creating directory %s in pod %s: exit code %d", relPath, handle, exitCode)
	}
	return nil
}

func (r *KubeRuntime) Close() error {
	return nil
}

func podName(key string) string {
	sanitized := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			return c
		case c >= 'A' && c <= 'Z':
			return c + ('a' - 'A')
		default:
			return '-'
		}
	}, key)
	sanitized = strings.Trim(sanitized, "-")
	if len(sanitized) > 40 {
		sanitized = sanitized[:40]
	}
	return fmt.Sprintf("codebench-%s-%s", sanitized, uuid.New().String()[:8])
}

func ptr[T any](v T) *T { return &v }
