package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker reports healthy when a TCP connection to the address can be
// established. Used for dependencies that expose no richer probe, such as
// the Redis endpoint before the session store attaches.
type TCPChecker struct {
	name    string
	address string
	dialer  *net.Dialer
}

// NewTCPChecker creates a TCP health checker for address
func NewTCPChecker(name, address string) *TCPChecker {
	return &TCPChecker{
		name:    name,
		address: address,
		dialer:  &net.Dialer{Timeout: 10 * time.Second},
	}
}

// WithTimeout overrides the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.dialer.Timeout = timeout
	return t
}

// Name identifies the dependency
func (t *TCPChecker) Name() string { return t.name }

// Check dials the address and closes the connection immediately
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	conn, err := t.dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial %s failed: %v", t.address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	_ = conn.Close()
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}
