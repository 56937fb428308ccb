package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultMaxConnectionsPerAddress caps simultaneous connections from one remote IP.
const DefaultMaxConnectionsPerAddress = 5

// Handler serves one accepted connection. The server closes conn when Handler returns.
type Handler func(conn *Conn)

// ServerOptions controls the accept loop.
type ServerOptions struct {
	ReadTimeout              time.Duration
	MaxConnectionsPerAddress int

	// OnDrop is called with the remote IP of each connection refused by the cap.
	OnDrop func(ip string)
	// OnCountChange is called with the total number of open connections.
	OnCountChange func(open int)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultFrameReadTimeout
	}
	if out.MaxConnectionsPerAddress <= 0 {
		out.MaxConnectionsPerAddress = DefaultMaxConnectionsPerAddress
	}
	return out
}

// Server accepts inbound TCP sessions and serves each on its own goroutine.
type Server struct {
	listener net.Listener
	options  ServerOptions
	handler  Handler

	errs chan error

	mu     sync.Mutex
	byIP   map[string]int
	active map[*Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string, handler Handler, options ServerOptions) (*Server, error) {
	if handler == nil {
		return nil, errors.New("network: handler is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  options.withDefaults(),
		handler:  handler,
		errs:     make(chan error, 16),
		byIP:     make(map[string]int),
		active:   make(map[*Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// OpenConnections returns the number of connections currently being served.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ConnectionsFrom returns the number of open connections from ip.
func (s *Server) ConnectionsFrom(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byIP[ip]
}

// Close stops accepting, closes every open connection and waits for handlers to return.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.mu.Lock()
		for conn := range s.active {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(raw net.Conn) {
	defer s.wg.Done()

	conn := NewConn(raw, s.options.ReadTimeout)
	ip := conn.RemoteIP()

	count := s.track(conn, ip)
	defer func() {
		_ = conn.Close()
		s.untrack(conn, ip)
	}()

	// The count includes this connection.
	if count > s.options.MaxConnectionsPerAddress {
		if s.options.OnDrop != nil {
			s.options.OnDrop(ip)
		}
		return
	}

	s.handler(conn)
}

func (s *Server) track(conn *Conn, ip string) int {
	s.mu.Lock()
	s.active[conn] = struct{}{}
	s.byIP[ip]++
	count := s.byIP[ip]
	open := len(s.active)
	s.mu.Unlock()

	if s.options.OnCountChange != nil {
		s.options.OnCountChange(open)
	}
	return count
}

func (s *Server) untrack(conn *Conn, ip string) {
	s.mu.Lock()
	delete(s.active, conn)
	s.byIP[ip]--
	if s.byIP[ip] <= 0 {
		delete(s.byIP, ip)
	}
	open := len(s.active)
	s.mu.Unlock()

	if s.options.OnCountChange != nil {
		s.options.OnCountChange(open)
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
