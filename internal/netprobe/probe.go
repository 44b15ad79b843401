package netprobe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/servermgr/internal/errdefs"
)

const dialTimeout = 500 * time.Millisecond

// AddressInUse reports whether a listener is present on host:port.
// A refused connection is the normal "free" case and returns (false, nil).
// Resolution failures and other unexpected OS errors return a WorkerError
// of kind unavailable, distinct from both outcomes.
func AddressInUse(host string, port int) (bool, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err == nil {
		_ = conn.Close()
		return true, nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return false, nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		// Nothing answered within the dial window; treat as free.
		return false, nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false, errdefs.Wrap(errdefs.KindUnavailable, err, "resolve %s", addr)
	}
	return false, errdefs.Wrap(errdefs.KindUnavailable, err, "probe %s", addr)
}

// WaitFree polls AddressInUse until the address is free or timeout elapses.
// It returns true when the address became free in time. A timeout <= 0
// performs exactly one probe. Each failed iteration sleeps interval before
// probing again; ctx cancellation ends the wait early.
func WaitFree(ctx context.Context, host string, port int, timeout, interval time.Duration) (bool, error) {
	return wait(ctx, host, port, timeout, interval, false)
}

// WaitInUse is the inverse of WaitFree: it returns true once a listener
// appears on host:port within the timeout.
func WaitInUse(ctx context.Context, host string, port int, timeout, interval time.Duration) (bool, error) {
	return wait(ctx, host, port, timeout, interval, true)
}

func wait(ctx context.Context, host string, port int, timeout, interval time.Duration, want bool) (bool, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	inUse, err := AddressInUse(host, port)
	if err != nil {
		return false, err
	}
	if inUse == want || timeout <= 0 {
		return inUse == want, nil
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
		inUse, err = AddressInUse(host, port)
		if err != nil {
			return false, err
		}
		if inUse == want {
			return true, nil
		}
	}
	return false, nil
}
