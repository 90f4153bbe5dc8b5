package robot

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultControlPort is the robot's API port.
const DefaultControlPort = 443

// Transport probes whether a host can be found and reached.
type Transport interface {
	// Resolve looks the host up and describes what was found.
	Resolve(ctx context.Context, host string) (string, error)

	// Reach opens and closes a connection to the host's control endpoint.
	Reach(ctx context.Context, host string) error

	// Address describes the endpoint Reach connects to.
	Address(host string) string
}

// NetTransport probes network robots with DNS and a TCP connect to the
// control port.
type NetTransport struct {
	Port        int
	DialTimeout time.Duration
	Resolver    *net.Resolver
}

// NewNetTransport returns a NetTransport for port with a 2s dial timeout.
func NewNetTransport(port int) *NetTransport {
	if port <= 0 {
		port = DefaultControlPort
	}
	return &NetTransport{
		Port:        port,
		DialTimeout: 2 * time.Second,
		Resolver:    net.DefaultResolver,
	}
}

func (t *NetTransport) Resolve(ctx context.Context, host string) (string, error) {
	addrs, err := t.Resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0], nil
}

func (t *NetTransport) Reach(ctx context.Context, host string) error {
	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address(host))
	if err != nil {
		return err
	}
	return conn.Close()
}

func (t *NetTransport) Address(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}
