package container

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// Kubernetes runs commands in pods through the API server's exec endpoint.
type Kubernetes struct {
	config    *rest.Config
	clientset kubernetes.Interface
	namespace string
}

// NewKubernetes builds a client from kubeconfig, or from the in-cluster
// service account when kubeconfig is empty. namespace is used for targets
// that do not name one.
func NewKubernetes(kubeconfig, namespace string) (*Kubernetes, error) {
	var config *rest.Config
	var err error

	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kubernetes config")
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes client")
	}

	return &Kubernetes{config: config, clientset: clientset, namespace: namespace}, nil
}

// Exec runs cmd in the target pod.
func (k *Kubernetes) Exec(ctx context.Context, target Target, cmd []string) (*Result, error) {
	var stdout, stderr bytes.Buffer
	err := k.stream(ctx, target, cmd, &stdout, &stderr)

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, errors.Wrapf(err, "failed to exec in %s", target)
	}
	return res, nil
}

// CopyFrom streams a tar of srcPath out of the pod and unpacks it into dstDir.
func (k *Kubernetes) CopyFrom(ctx context.Context, target Target, srcPath, dstDir string) ([]string, error) {
	cmd := []string{"tar", "cf", "-", "-C", path.Dir(srcPath), path.Base(srcPath)}

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	go func() {
		pw.CloseWithError(k.stream(ctx, target, cmd, pw, &stderr))
	}()

	files, err := extractTar(pr, dstDir)
	pr.CloseWithError(err)
	if err != nil {
		if stderr.Len() > 0 {
			return nil, errors.Wrapf(err, "failed to copy %s from %s: %s", srcPath, target, stderr.String())
		}
		return nil, errors.Wrapf(err, "failed to copy %s from %s", srcPath, target)
	}
	return files, nil
}

func (k *Kubernetes) stream(ctx context.Context, target Target, cmd []string, stdout, stderr io.Writer) error {
	namespace := target.Namespace
	if namespace == "" {
		namespace = k.namespace
	}
	if err := k.checkPod(ctx, namespace, target.ID); err != nil {
		return err
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(target.ID).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: target.Container,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.config, "POST", req.URL())
	if err != nil {
		return errors.Wrap(err, "failed to create executor")
	}

	done := make(chan error, 1)
	go func() {
		done <- executor.Stream(remotecommand.StreamOptions{
			Stdout: stdout,
			Stderr: stderr,
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkPod fails unless the pod exists and is running.
func (k *Kubernetes) checkPod(ctx context.Context, namespace, name string) error {
	pod, err := k.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to get pod %s/%s", namespace, name)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return errors.Errorf("pod %s/%s is %s", namespace, name, pod.Status.Phase)
	}
	return nil
}
