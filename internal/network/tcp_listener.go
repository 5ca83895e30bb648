package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// TCPListener accepts game clients and runs one Connection per socket.
type TCPListener struct {
	addr  string
	lobby Lobby
	auth  Auth

	registry *ConnectionRegistry

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	nextID   atomic.Uint64
}

// NewTCPListener creates a listener for addr (host:port).
func NewTCPListener(addr string, l Lobby, auth Auth) *TCPListener {
	return &TCPListener{
		addr:     addr,
		lobby:    l,
		auth:     auth,
		registry: NewConnectionRegistry(),
		ready:    make(chan struct{}),
	}
}

// Start binds the socket and accepts connections until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	// SO_REUSEADDR allows immediate rebinding after a restart.
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
		l.registry.CloseAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("TCP listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		c := NewConnection(l.nextID.Add(1), conn, l.lobby, l.auth)
		l.registry.Register(c)
		go func() {
			defer l.registry.Unregister(c.ID())
			c.Serve()
		}()
	}
}

// Registry returns the live connections.
func (l *TCPListener) Registry() *ConnectionRegistry {
	return l.registry
}

// Ready is closed once the socket is bound.
func (l *TCPListener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Start has bound it.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
