package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"k8s.io/client-go/util/homedir"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

const labContainerName = "lab"

// KubernetesOptions configures the Kubernetes backend.
type KubernetesOptions struct {
	Kubeconfig      string
	Namespace       string
	ReadyTimeout    time.Duration
	WrapWithTimeout bool
}

// KubernetesBackend runs each lab session as a single pod.
type KubernetesBackend struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	log        logrus.FieldLogger
	opts       KubernetesOptions
}

// NewKubernetesBackend creates a new Kubernetes backend. An empty kubeconfig path
// tries the in-cluster config first and then ~/.kube/config.
func NewKubernetesBackend(ctx context.Context, opts KubernetesOptions, log logrus.FieldLogger) (*KubernetesBackend, error) {
	config, err := kubeConfig(opts.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	b := newKubernetesBackend(clientset, config, opts, log)
	if err := b.Ping(ctx); err != nil {
		return nil, err
	}
	b.log.WithField("namespace", b.opts.Namespace).Info("Successfully connected to Kubernetes cluster")
	return b, nil
}

func newKubernetesBackend(clientset kubernetes.Interface, config *rest.Config, opts KubernetesOptions, log logrus.FieldLogger) *KubernetesBackend {
	if opts.Namespace == "" {
		opts.Namespace = "labs"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	return &KubernetesBackend{
		clientset:  clientset,
		restConfig: config,
		log:        log.WithField("component", "provisioner.kubernetes"),
		opts:       opts,
	}
}

func kubeConfig(path string) (*rest.Config, error) {
	if path == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
		if home := homedir.HomeDir(); home != "" {
			path = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", path)
}

func (k *KubernetesBackend) Name() string { return "kubernetes" }

func (k *KubernetesBackend) Ping(ctx context.Context) error {
	_, err := k.clientset.CoreV1().Namespaces().Get(ctx, k.opts.Namespace, metav1.GetOptions{})
	if err != nil {
		return k.wrap(err, "checking namespace %s", k.opts.Namespace)
	}
	return nil
}

// CreateContainer creates the session pod and, for none and isolated labs, a
// deny-all network policy selecting it. The pod name is the container reference.
func (k *KubernetesBackend) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	pod, err := k.podFor(spec)
	if err != nil {
		return "", err
	}

	if spec.Network != models.NetworkBridged {
		policy := denyAllPolicy(pod.Name, k.opts.Namespace, spec)
		_, err := k.clientset.NetworkingV1().NetworkPolicies(k.opts.Namespace).Create(ctx, policy, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return "", k.wrap(err, "creating network policy")
		}
	}

	if _, err := k.clientset.CoreV1().Pods(k.opts.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		k.deletePolicy(ctx, pod.Name)
		return "", k.wrap(err, "creating lab pod")
	}
	return pod.Name, nil
}

func (k *KubernetesBackend) podFor(spec ContainerSpec) (*corev1.Pod, error) {
	ports, err := containerPorts(spec.ExposedPorts)
	if err != nil {
		return nil, err
	}

	caps := make([]corev1.Capability, 0, len(spec.Capabilities))
	for _, c := range spec.Capabilities {
		caps = append(caps, corev1.Capability(c))
	}

	if spec.Limits.PIDLimit > 0 {
		k.log.WithField("session_id", spec.SessionID).Debug("Pod pid limits are enforced by the kubelet, not per pod")
	}

	noEscalation := false
	noToken := false
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMillis(spec.Limits.CPUShares), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(spec.Limits.MemoryMB*1024*1024, resource.BinarySI),
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "lab-" + spec.SessionID,
			Namespace: k.opts.Namespace,
			Labels:    labels(spec),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: &noToken,
			Containers: []corev1.Container{
				{
					Name:    labContainerName,
					Image:   spec.Image,
					Command: []string{"sleep", "infinity"},
					Ports:   ports,
					Resources: corev1.ResourceRequirements{
						Limits:   limits,
						Requests: limits,
					},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: &noEscalation,
						Capabilities: &corev1.Capabilities{
							Drop: []corev1.Capability{"ALL"},
							Add:  caps,
						},
					},
				},
			},
		},
	}, nil
}

// cpuMillis converts Docker-style CPU shares (1024 = one core) to millicores.
func cpuMillis(shares int64) int64 {
	m := shares * 1000 / 1024
	if m < 10 {
		m = 10
	}
	return m
}

func containerPorts(specs []string) ([]corev1.ContainerPort, error) {
	ports := make([]corev1.ContainerPort, 0, len(specs))
	for _, s := range specs {
		proto, port := nat.SplitProtoPort(s)
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid exposed port %q", s)
		}
		ports = append(ports, corev1.ContainerPort{
			ContainerPort: int32(n),
			Protocol:      corev1.Protocol(strings.ToUpper(proto)),
		})
	}
	return ports, nil
}

func denyAllPolicy(name, namespace string, spec ContainerSpec) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels(spec),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{LabelSessionID: spec.SessionID},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
		},
	}
}

// StartContainer waits for the pod to become ready; the kubelet starts it on its own.
func (k *KubernetesBackend) StartContainer(ctx context.Context, ref string) error {
	return k.waitForPodReady(ctx, ref, k.opts.ReadyTimeout)
}

// waitForPodReady waits for a pod to be in Ready state
func (k *KubernetesBackend) waitForPodReady(ctx context.Context, podName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		pod, err := k.clientset.CoreV1().Pods(k.opts.Namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return k.wrap(err, "getting pod status")
		}

		for _, condition := range pod.Status.Conditions {
			if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
				k.log.WithField("pod", podName).Debug("Pod is ready")
				return nil
			}
		}

		if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
			return fmt.Errorf("pod %s exited during startup: %s", podName, pod.Status.Phase)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for pod %s to be ready", podName)
		case <-time.After(time.Second):
		}
	}
}

// Exec runs the command through the pod exec subresource.
func (k *KubernetesBackend) Exec(ctx context.Context, ref string, req ExecRequest) (int, error) {
	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	argv := req.Cmd
	if k.opts.WrapWithTimeout && req.Timeout > 0 {
		secs := int(math.Ceil(req.Timeout.Seconds()))
		argv = append([]string{"timeout", "-s", "KILL", strconv.Itoa(secs)}, req.Cmd...)
	}

	execReq := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(k.opts.Namespace).
		Name(ref).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: labContainerName,
			Command:   argv,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", execReq.URL())
	if err != nil {
		return -1, fmt.Errorf("creating executor: %w", err)
	}

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: stdout, Stderr: stderr})
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, k.wrap(err, "streaming exec")
	}
	return 0, nil
}

func (k *KubernetesBackend) StopContainer(ctx context.Context, ref string) error {
	grace := int64(5)
	err := k.clientset.CoreV1().Pods(k.opts.Namespace).Delete(ctx, ref, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return k.wrap(err, "deleting pod %s", ref)
	}
	return nil
}

func (k *KubernetesBackend) RemoveContainer(ctx context.Context, ref string) error {
	k.deletePolicy(ctx, ref)

	grace := int64(0)
	err := k.clientset.CoreV1().Pods(k.opts.Namespace).Delete(ctx, ref, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return k.wrap(err, "removing pod %s", ref)
	}
	return nil
}

func (k *KubernetesBackend) deletePolicy(ctx context.Context, name string) {
	err := k.clientset.NetworkingV1().NetworkPolicies(k.opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		k.log.WithError(err).WithField("policy", name).Warn("Failed to delete network policy")
	}
}

// RemoveOrphans deletes every pod and network policy labeled as managed by the engine.
func (k *KubernetesBackend) RemoveOrphans(ctx context.Context) (int, error) {
	selector := metav1.ListOptions{LabelSelector: LabelManagedBy + "=" + ManagedByValue}

	pods, err := k.clientset.CoreV1().Pods(k.opts.Namespace).List(ctx, selector)
	if err != nil {
		return 0, k.wrap(err, "listing pods")
	}

	removed := 0
	for _, pod := range pods.Items {
		if err := k.RemoveContainer(ctx, pod.Name); err != nil {
			k.log.WithError(err).WithField("pod", pod.Name).Warn("Failed to remove orphaned pod")
			continue
		}
		removed++
	}

	err = k.clientset.NetworkingV1().NetworkPolicies(k.opts.Namespace).DeleteCollection(ctx, metav1.DeleteOptions{}, selector)
	if err != nil {
		k.log.WithError(err).Warn("Failed to delete orphaned network policies")
	}
	return removed, nil
}

func (k *KubernetesBackend) wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if utilnet.IsConnectionRefused(err) || utilnet.IsConnectionReset(err) || apierrors.IsServiceUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
