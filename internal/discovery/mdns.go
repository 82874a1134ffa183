// Package discovery announces the collaboration server over mDNS and lets
// the terminal agent find it on the local network without configuration.
package discovery

import (
	"context"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
)

const service = "_infyemailer-collab._tcp"

// Announce registers the server instance on the LAN. The returned shutdown
// function must be called on exit so peers see the record disappear.
func Announce(instance string, port int) (func(), error) {
	srv, err := zeroconf.Register(instance, service, "local.", port, []string{"proto=ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	return srv.Shutdown, nil
}

// Browse looks for an announced server and returns its host:port. It stops at
// the first instance found or when ctx expires.
func Browse(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			select {
			case found <- net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprint(entry.Port)):
			default:
			}
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return "", fmt.Errorf("discovery: browse: %w", err)
	}

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("discovery: no server found: %w", ctx.Err())
	}
}
