package network

import (
	"context"
	"fmt"

	"lanshare/models"
)

// Loader resolves unknown peers by asking them for their identity.
type Loader struct {
	Identity Identity
	Port     int
	Dial     DialOptions
}

// ResolveByAddress connects to the peer's listener at address and performs a
// handshake-only exchange. The returned device is untrusted and restricted.
func (l *Loader) ResolveByAddress(ctx context.Context, address string) (*models.Device, error) {
	conn, err := Dial(ctx, JoinHostPort(address, l.Port), l.Dial)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := Handshake(conn, HandshakeOptions{Identity: l.Identity, Only: true})
	if err != nil {
		return nil, fmt.Errorf("resolve device at %s: %w", address, err)
	}

	device := DeviceFromMessage(reply)
	device.Trusted = false
	device.Restricted = true
	return &device, nil
}
