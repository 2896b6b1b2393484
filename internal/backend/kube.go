package backend

import (
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/opensandbox/podrelay/internal/cluster"
)

const defaultPodShell = "/bin/sh"

// Kube runs sessions through the Kubernetes API: exec over SPDY and logs
// through the pod log subresource.
type Kube struct {
	clusters *cluster.Registry

	// newExecutor is swapped in tests.
	newExecutor func(cfg *rest.Config, method string, req *rest.Request) (remotecommand.Executor, error)
}

// NewKube creates a Kubernetes backend over the given clusters.
func NewKube(clusters *cluster.Registry) *Kube {
	return &Kube{
		clusters: clusters,
		newExecutor: func(cfg *rest.Config, method string, req *rest.Request) (remotecommand.Executor, error) {
			return remotecommand.NewSPDYExecutor(cfg, method, req.URL())
		},
	}
}

func (k *Kube) Exec(ctx context.Context, req ExecRequest) error {
	c, err := k.clusters.Get(req.Cluster)
	if err != nil {
		return err
	}
	container, err := resolveContainer(ctx, c, req.Target)
	if err != nil {
		return err
	}

	execReq := c.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(req.Namespace).
		Name(req.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   podCommand(req.Command),
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
			TTY:       true,
		}, scheme.ParameterCodec)

	executor, err := k.newExecutor(c.Config, "POST", execReq)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	opts := remotecommand.StreamOptions{
		Stdin:  req.Stdin,
		Stdout: req.Stdout,
		Stderr: req.Stdout,
		Tty:    true,
	}
	if req.Resize != nil {
		opts.TerminalSizeQueue = &sizeQueue{ctx: ctx, sizes: req.Resize}
	}
	return executor.StreamWithContext(ctx, opts)
}

func (k *Kube) Logs(ctx context.Context, req LogRequest) (io.ReadCloser, error) {
	c, err := k.clusters.Get(req.Cluster)
	if err != nil {
		return nil, err
	}
	container, err := resolveContainer(ctx, c, req.Target)
	if err != nil {
		return nil, err
	}

	opts := &corev1.PodLogOptions{
		Container:    container,
		Follow:       req.Follow,
		Timestamps:   req.Timestamps,
		SinceSeconds: req.SinceSeconds,
	}
	if req.TailLines > 0 {
		tail := req.TailLines
		opts.TailLines = &tail
	}

	stream, err := c.Clientset.CoreV1().Pods(req.Namespace).GetLogs(req.Pod, opts).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	return stream, nil
}

// resolveContainer checks the pod exists and defaults to its first container.
func resolveContainer(ctx context.Context, c *cluster.Cluster, t Target) (string, error) {
	pod, err := c.Clientset.CoreV1().Pods(t.Namespace).Get(ctx, t.Pod, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", fmt.Errorf("pod %s/%s: %w", t.Namespace, t.Pod, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get pod %s/%s: %w", t.Namespace, t.Pod, err)
	}

	if t.Container == "" {
		if len(pod.Spec.Containers) == 0 {
			return "", fmt.Errorf("no containers in pod %s/%s: %w", t.Namespace, t.Pod, ErrNotFound)
		}
		return pod.Spec.Containers[0].Name, nil
	}
	for _, ct := range pod.Spec.Containers {
		if ct.Name == t.Container {
			return ct.Name, nil
		}
	}
	return "", fmt.Errorf("container %q in pod %s/%s: %w", t.Container, t.Namespace, t.Pod, ErrNotFound)
}

// sizeQueue adapts a resize channel to remotecommand.TerminalSizeQueue.
type sizeQueue struct {
	ctx   context.Context
	sizes <-chan TerminalSize
}

func (q *sizeQueue) Next() *remotecommand.TerminalSize {
	select {
	case size, ok := <-q.sizes:
		if !ok {
			return nil
		}
		return &remotecommand.TerminalSize{Width: size.Cols, Height: size.Rows}
	case <-q.ctx.Done():
		return nil
	}
}

// podCommand defaults an empty command to /bin/sh.
func podCommand(argv []string) []string {
	if len(argv) == 0 {
		return []string{defaultPodShell}
	}
	return argv
}
