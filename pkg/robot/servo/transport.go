package servo

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial"
)

// ListPorts lists the serial ports of the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// serialTransport probes serial ports: Resolve checks that the port exists
// and Reach opens the bus.
type serialTransport struct{ p *Provider }

func (t serialTransport) Resolve(ctx context.Context, port string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if port == "" {
		return "", errNoPort
	}
	ports, err := t.p.list()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	if !slices.Contains(ports, port) {
		if len(ports) == 0 {
			return "", fmt.Errorf("%s: no such serial port, none found", port)
		}
		return "", fmt.Errorf("%s: no such serial port (found %s)", port, strings.Join(ports, ", "))
	}
	return "serial port " + port, nil
}

func (t serialTransport) Reach(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.p.Controller() != nil {
		return nil
	}
	if host == "" {
		return errNoPort
	}
	_, err := t.p.scan(ctx, host)
	return err
}

func (t serialTransport) Address(host string) string {
	return "serial://" + host
}
