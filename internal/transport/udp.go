// Package transport owns the UDP sockets that carry USRP frames to and from
// the radio peer.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrForeignSource is returned by Receive for a datagram whose source does
// not match Config.AcceptFrom.
var ErrForeignSource = errors.New("transport: datagram from unexpected source")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: endpoint is closed")

// Config holds configuration for the radio-side endpoint
type Config struct {
	ListenAddr      string        // local host:port to receive on
	TargetAddr      string        // radio peer host:port to send to
	AcceptFrom      string        // optional host; other sources are rejected
	ReadTimeout     time.Duration // per-Receive deadline; zero blocks until data or Close
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns a default endpoint configuration
func DefaultConfig() Config {
	return Config{
		ReadTimeout:     time.Second,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
}

// Endpoint is a bound receive socket plus a connected send socket.
type Endpoint struct {
	rx         *net.UDPConn
	tx         *net.UDPConn
	acceptFrom net.IP
	timeout    time.Duration

	closeMutex sync.Mutex
	closed     bool
}

// Open resolves both addresses, binds the receive socket and connects the
// send socket. Any failure here is fatal to the bridge.
func Open(cfg Config) (*Endpoint, error) {
	localAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local address: %w", err)
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", cfg.TargetAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve remote address: %w", err)
	}

	var accept net.IP
	if cfg.AcceptFrom != "" {
		ips, err := net.LookupIP(cfg.AcceptFrom)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("failed to resolve accepted source %q: %v", cfg.AcceptFrom, err)
		}
		accept = ips[0]
	}

	rx, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	tx, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("failed to dial UDP: %w", err)
	}

	if cfg.ReadBufferSize > 0 {
		_ = rx.SetReadBuffer(cfg.ReadBufferSize)
	}
	if cfg.WriteBufferSize > 0 {
		_ = tx.SetWriteBuffer(cfg.WriteBufferSize)
	}

	return &Endpoint{rx: rx, tx: tx, acceptFrom: accept, timeout: cfg.ReadTimeout}, nil
}

// Send writes one datagram to the radio peer.
func (e *Endpoint) Send(b []byte) error {
	if _, err := e.tx.Write(b); err != nil {
		return fmt.Errorf("failed to send UDP packet: %w", err)
	}
	return nil
}

// Receive reads one datagram into buf. A read that hits the configured
// deadline returns a net.Error whose Timeout() is true.
func (e *Endpoint) Receive(buf []byte) (int, net.Addr, error) {
	if e.timeout > 0 {
		if err := e.rx.SetReadDeadline(time.Now().Add(e.timeout)); err != nil {
			return 0, nil, e.wrapClosed(err)
		}
	}

	n, addr, err := e.rx.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, e.wrapClosed(err)
	}
	if e.acceptFrom != nil && !addr.IP.Equal(e.acceptFrom) {
		return n, addr, ErrForeignSource
	}
	return n, addr, nil
}

func (e *Endpoint) wrapClosed(err error) error {
	if e.isClosed() {
		return ErrClosed
	}
	return err
}

// Close closes both sockets. It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeMutex.Lock()
	defer e.closeMutex.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(e.rx.Close(), e.tx.Close())
}

func (e *Endpoint) isClosed() bool {
	e.closeMutex.Lock()
	defer e.closeMutex.Unlock()
	return e.closed
}

// LocalAddr returns the bound receive address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.rx.LocalAddr()
}

// RemoteAddr returns the radio peer's address.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.tx.RemoteAddr()
}
