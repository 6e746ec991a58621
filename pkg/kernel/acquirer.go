package kernel

import "context"

// Acquirer abstracts how a kernel gateway's address is obtained. StaticAcquirer
// covers development and single-tenant deployments where one gateway is
// configured up front; pkg/kernel/k8s.ClaimAcquirer covers multi-tenant
// deployments where each session gets its own pod.
type Acquirer interface {
	// Acquire returns the host/port of a kernel gateway to connect to.
	// release must be called once the gateway is no longer needed.
	Acquire(ctx context.Context) (host string, port int, release func(), err error)
}

// StaticAcquirer always returns the same pre-configured gateway address.
type StaticAcquirer struct {
	Host string
	Port int
}

func (a StaticAcquirer) Acquire(context.Context) (string, int, func(), error) {
	return a.Host, a.Port, func() {}, nil
}
