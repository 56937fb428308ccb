package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DialOptions controls outbound connections.
type DialOptions struct {
	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration
}

func (o DialOptions) withDefaults() DialOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

// Dial connects to a peer and returns a framed connection.
func Dial(ctx context.Context, address string, options DialOptions) (*Conn, error) {
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	return NewConn(conn, opts.ReadTimeout), nil
}

// JoinHostPort adds the well-known port to ip unless it already carries one.
func JoinHostPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}
