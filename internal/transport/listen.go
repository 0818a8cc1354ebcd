package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

// SyncPath is the websocket endpoint replicas connect to.
const SyncPath = "/sync"

// Listen binds the first free port from ports and returns the listener
// plus the port chosen. A hub that finds its usual port still held (say
// by a previous instance shutting down) falls through to the next one;
// dialers walk the same list.
func Listen(ports []int) (net.Listener, int, error) {
	var lastErr error
	for _, p := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
		lastErr = err
	}
	return nil, 0, fault.Wrap(fault.Transport, lastErr, "no free hub port in %v", ports)
}

// HubURL builds the sync endpoint URL for a hub host and port.
func HubURL(host string, port int) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: SyncPath}
	return u.String()
}

// Dial walks the hub port list until one answers.
func Dial(ctx context.Context, host string, ports []int, log *logging.Logger) (*Conn, error) {
	var lastErr error
	for _, p := range ports {
		c, err := DialURL(ctx, HubURL(host, p), log)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, fault.Transportf("no hub ports configured")
	}
	return nil, lastErr
}
