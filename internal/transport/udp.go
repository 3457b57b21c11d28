package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/postalsys/htcp-purger/internal/logging"
)

// DefaultMulticastTTL is the multicast TTL applied when none is configured.
const DefaultMulticastTTL = 8

// UDPConfig configures a UDPSocket.
type UDPConfig struct {
	// LocalAddr is the local address to bind. Empty binds an ephemeral
	// port on all IPv4 interfaces.
	LocalAddr string

	// MulticastTTL is applied to outgoing multicast datagrams.
	// Zero selects DefaultMulticastTTL.
	MulticastTTL int

	// Logger receives debug output. Nil discards it.
	Logger *slog.Logger
}

type socketState int

const (
	stateUnbound socketState = iota
	stateBound
	stateClosed
)

// UDPSocket is an outbound IPv4 UDP socket shared by concurrent senders.
type UDPSocket struct {
	mu    sync.RWMutex
	state socketState
	conn  *net.UDPConn

	cfg    UDPConfig
	logger *slog.Logger

	// addrs caches resolved destinations by host:port.
	addrs sync.Map
}

// NewUDPSocket creates an unbound socket.
func NewUDPSocket(cfg UDPConfig) *UDPSocket {
	if cfg.MulticastTTL == 0 {
		cfg.MulticastTTL = DefaultMulticastTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &UDPSocket{
		cfg:    cfg,
		logger: logger.With(slog.String(logging.KeyComponent, "transport")),
	}
}

// Bind opens the socket exclusively, disables multicast loopback and
// applies the multicast TTL. It must complete before Send.
func (s *UDPSocket) Bind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateBound:
		return ErrAlreadyBound
	case stateClosed:
		return ErrClosed
	}

	local := s.cfg.LocalAddr
	if local == "" {
		local = "0.0.0.0:0"
	}

	lc := net.ListenConfig{Control: exclusiveControl}
	pc, err := lc.ListenPacket(ctx, "udp4", local)
	if err != nil {
		return &NetworkError{
			Operation: "bind socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to bind %s", local),
		}
	}
	conn := pc.(*net.UDPConn)

	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(false); err != nil {
		_ = conn.Close() // Ignore error, already returning primary error
		return &NetworkError{
			Operation: "configure socket",
			Err:       err,
			Details:   "failed to disable multicast loopback",
		}
	}
	if err := p.SetMulticastTTL(s.cfg.MulticastTTL); err != nil {
		_ = conn.Close() // Ignore error, already returning primary error
		return &NetworkError{
			Operation: "configure socket",
			Err:       err,
			Details:   fmt.Sprintf("failed to set multicast ttl %d", s.cfg.MulticastTTL),
		}
	}

	s.conn = conn
	s.state = stateBound

	s.logger.Debug("socket bound",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		"multicast_ttl", s.cfg.MulticastTTL)

	return nil
}

// Send writes packet to dest ("host:port") in a single datagram.
func (s *UDPSocket) Send(ctx context.Context, packet []byte, dest string) error {
	select {
	case <-ctx.Done():
		return &NetworkError{
			Operation: "send packet",
			Err:       ctx.Err(),
			Details:   "context canceled before send",
		}
	default:
	}

	s.mu.RLock()
	conn, state := s.conn, s.state
	s.mu.RUnlock()

	switch state {
	case stateUnbound:
		return &NetworkError{Operation: "send packet", Err: ErrNotBound}
	case stateClosed:
		return &NetworkError{Operation: "send packet", Err: ErrClosed}
	}

	addr, err := s.resolve(dest)
	if err != nil {
		return err
	}

	n, err := conn.WriteTo(packet, addr)
	if err != nil {
		return &NetworkError{
			Operation: "send packet",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", len(packet), dest),
		}
	}
	if n != len(packet) {
		return &NetworkError{
			Operation: "send packet",
			Err:       fmt.Errorf("partial write: %d/%d bytes", n, len(packet)),
			Details:   "incomplete transmission",
		}
	}

	return nil
}

func (s *UDPSocket) resolve(dest string) (*net.UDPAddr, error) {
	if cached, ok := s.addrs.Load(dest); ok {
		return cached.(*net.UDPAddr), nil
	}

	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return nil, &NetworkError{
			Operation: "resolve destination",
			Err:       err,
			Details:   dest,
		}
	}

	actual, _ := s.addrs.LoadOrStore(dest, addr)
	return actual.(*net.UDPAddr), nil
}

// LocalAddr returns the bound local address, or nil when not bound.
func (s *UDPSocket) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil || s.state != stateBound {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close releases the socket. It is safe to call on an unbound or already
// closed socket and never fails; close errors are logged and dropped.
func (s *UDPSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return
	}
	s.state = stateClosed

	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("socket close failed", logging.KeyError, err)
	}
	s.conn = nil
}
