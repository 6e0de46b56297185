package pgserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// maxPortAttempts bounds the re-roll loop in BindUnusedPort.
const maxPortAttempts = 64

// PortAllocator hands out OS-assigned free TCP ports.
//
// The port is found by binding to port 0 and closing the listener again, so
// another process can still grab it before the server binds. Within one
// allocator, a port is not handed out twice until it is released.
type PortAllocator struct {
	Host string // Bind address (default: 127.0.0.1)

	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewPortAllocator returns an allocator binding on the loopback interface.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{Host: "127.0.0.1"}
}

var defaultPorts = NewPortAllocator()

// DefaultPortAllocator returns the allocator used when Config.Ports is nil.
func DefaultPortAllocator() *PortAllocator { return defaultPorts }

// BindUnusedPort returns a free port satisfying IsValidPort and reserves it
// until Release is called.
func (a *PortAllocator) BindUnusedPort() (int, error) {
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port, err := a.pickPort()
		if err != nil {
			return 0, err
		}
		if !IsValidPort(port) {
			continue
		}
		if a.reserve(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no usable port after %d attempts", maxPortAttempts)
}

// Reserve marks an explicitly configured port as in use. It returns false if
// the port is already reserved by a live fixture.
func (a *PortAllocator) Reserve(port int) bool {
	return a.reserve(port)
}

// Release returns port to the pool. Releasing an unreserved port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved reports whether port is currently held by this allocator.
func (a *PortAllocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}

func (a *PortAllocator) reserve(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved == nil {
		a.reserved = make(map[int]struct{})
	}
	if _, taken := a.reserved[port]; taken {
		return false
	}
	a.reserved[port] = struct{}{}
	return true
}

func (a *PortAllocator) host() string {
	if a.Host == "" {
		return "127.0.0.1"
	}
	return a.Host
}

// pickPort binds to port 0 and immediately releases the socket.
func (a *PortAllocator) pickPort() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(a.host(), "0"))
	if err != nil {
		return 0, fmt.Errorf("binding unused port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// isPortAvailable checks if a TCP port is available for binding.
func isPortAvailable(host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
