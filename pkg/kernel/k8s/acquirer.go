// Package k8s provides a kernel.Acquirer implementation that provisions
// kernel gateway pods on demand through a SandboxClaim custom resource,
// the same reconcile-and-poll pattern this coordinator's teacher codebase
// already used for code-interpreter sandbox pods. Unlike the teacher's
// acquirer, the SandboxClaim/Sandbox kinds are addressed as
// unstructured.Unstructured against a hand-rolled GroupVersionKind instead
// of a generated CRD client package, so this acquirer needs nothing beyond
// controller-runtime and apimachinery to talk to whatever CRD a cluster
// operator has installed under that group.
package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/rhuss/sandboxd/pkg/kernel"
)

// GroupVersion is the SandboxClaim/Sandbox custom resources' API group.
var GroupVersion = schema.GroupVersion{Group: "sandbox.sandboxd.dev", Version: "v1alpha1"}

var (
	sandboxClaimGVK = GroupVersion.WithKind("SandboxClaim")
	sandboxGVK       = GroupVersion.WithKind("Sandbox")
)

// Ensure ClaimAcquirer implements kernel.Acquirer.
var _ kernel.Acquirer = (*ClaimAcquirer)(nil)

// ClaimAcquirer acquires a kernel gateway pod by creating a SandboxClaim
// and waiting for the backing Sandbox to report ready. Each acquisition is
// independent: two concurrent Acquire calls get two distinct pods.
type ClaimAcquirer struct {
	client    client.Client
	template  string
	namespace string
	timeout   time.Duration
	port      int
}

// NewClaimAcquirer creates a ClaimAcquirer. port is the kernel gateway's
// listening port inside the pod (the gateway's HTTP+WebSocket port). c must
// have been constructed with a scheme that at least registers the
// unstructured converter (the default controller-runtime scheme suffices,
// since no typed SandboxClaim/Sandbox Go types are registered here).
func NewClaimAcquirer(c client.Client, template, namespace string, timeout time.Duration, port int) *ClaimAcquirer {
	return &ClaimAcquirer{client: c, template: template, namespace: namespace, timeout: timeout, port: port}
}

// Acquire creates a SandboxClaim, waits for its Sandbox to become ready,
// and returns the gateway's host/port along with a release function that
// deletes the claim.
func (a *ClaimAcquirer) Acquire(ctx context.Context) (host string, port int, release func(), err error) {
	claimName := generateClaimNameFn()

	claim := &unstructured.Unstructured{}
	claim.SetGroupVersionKind(sandboxClaimGVK)
	claim.SetName(claimName)
	claim.SetNamespace(a.namespace)
	if err := unstructured.SetNestedField(claim.Object, a.template, "spec", "templateRef", "name"); err != nil {
		return "", 0, nil, fmt.Errorf("building SandboxClaim spec: %w", err)
	}

	if err := a.client.Create(ctx, claim); err != nil {
		return "", 0, nil, fmt.Errorf("create SandboxClaim %q: %w", claimName, err)
	}

	slog.Debug("created SandboxClaim", "name", claimName, "namespace", a.namespace, "template", a.template)

	serviceFQDN, err := a.waitForReady(ctx, claimName)
	if err != nil {
		a.deleteClaim(context.Background(), claimName)
		return "", 0, nil, err
	}

	release = func() {
		a.deleteClaim(context.Background(), claimName)
	}

	slog.Debug("kernel gateway acquired", "name", claimName, "host", serviceFQDN, "port", a.port)
	return serviceFQDN, a.port, release, nil
}

func (a *ClaimAcquirer) waitForReady(ctx context.Context, sandboxName string) (string, error) {
	deadline := time.After(a.timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context cancelled waiting for Sandbox %q: %w", sandboxName, ctx.Err())
		case <-deadline:
			return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", sandboxName, a.timeout)
		case <-ticker.C:
			sandbox := &unstructured.Unstructured{}
			sandbox.SetGroupVersionKind(sandboxGVK)
			key := types.NamespacedName{Name: sandboxName, Namespace: a.namespace}
			if err := a.client.Get(ctx, key, sandbox); err != nil {
				slog.Debug("waiting for Sandbox", "name", sandboxName, "error", err.Error())
				continue
			}

			if isReady(sandbox) {
				fqdn, _, _ := unstructured.NestedString(sandbox.Object, "status", "serviceFQDN")
				if fqdn == "" {
					continue
				}
				return fqdn, nil
			}
		}
	}
}

func isReady(sandbox *unstructured.Unstructured) bool {
	conditions, _, _ := unstructured.NestedSlice(sandbox.Object, "status", "conditions")
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == "Ready" && cond["status"] == string(metav1.ConditionTrue) {
			return true
		}
	}
	return false
}

func (a *ClaimAcquirer) deleteClaim(ctx context.Context, name string) {
	claim := &unstructured.Unstructured{}
	claim.SetGroupVersionKind(sandboxClaimGVK)
	claim.SetName(name)
	claim.SetNamespace(a.namespace)
	if err := a.client.Delete(ctx, claim); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", a.namespace, "error", err.Error())
		return
	}
	slog.Debug("deleted SandboxClaim", "name", name, "namespace", a.namespace)
}

var generateClaimNameFn = func() string {
	return fmt.Sprintf("sandboxd-kernel-%d", time.Now().UnixNano())
}
