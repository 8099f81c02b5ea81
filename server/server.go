// Package server exposes a method table to remote worker pools over sockets.
//
// Every accepted connection gets its own Channel; all channels share the
// server's method table and middleware chain.
//
//	Accept conn → ConnEndpoint → Channel (recvLoop)
//	  → for each call: go serve → Middleware Chain → method (reflect.Call) → response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"worker-rpc/middleware"
	"worker-rpc/port"
	"worker-rpc/registry"
	"worker-rpc/transport"
)

// Server accepts connections and serves the shared method table on each.
type Server struct {
	methods     *transport.Methods
	middlewares []middleware.Middleware
	opts        options

	listener net.Listener
	shutdown atomic.Bool

	mu       sync.Mutex
	channels map[*transport.Channel]struct{}
	serving  chan struct{} // closed once the listener is set
}

// NewServer creates a server with an empty method table.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		methods:  transport.NewMethods(),
		opts:     o,
		channels: make(map[*transport.Channel]struct{}),
		serving:  make(chan struct{}),
	}
}

// Register exposes the methods of rcvr as "<Type>.<Method>".
func (s *Server) Register(rcvr any) error {
	return s.methods.Register(rcvr)
}

// Expose exposes fn under name.
func (s *Server) Expose(name string, fn any) error {
	return s.methods.Expose(name, fn)
}

// Use appends a middleware. Middlewares run in the order they are added and
// apply to connections accepted afterwards.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener serves connections accepted from l until Shutdown. With a
// registry configured, the server registers itself before accepting.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	close(s.serving)
	s.mu.Unlock()

	logger := s.opts.logger
	logger.Info("serving", zap.Stringer("addr", l.Addr()), zap.Strings("methods", s.methods.Names()))

	if reg := s.opts.registry; reg != nil {
		inst := s.instance()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := reg.Register(ctx, s.opts.service, inst, s.opts.ttl)
		cancel()
		if err != nil {
			l.Close()
			return fmt.Errorf("register %s: %w", s.opts.service, err)
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.handleConn(conn)
	}
}

// Addr returns the listen address, blocking until the server is listening.
func (s *Server) Addr() net.Addr {
	<-s.serving
	return s.listener.Addr()
}

func (s *Server) instance() registry.Instance {
	addr := s.opts.advertise
	if addr == "" {
		addr = s.listener.Addr().String()
	}
	return registry.Instance{
		ID:      s.opts.id,
		Addr:    addr,
		Weight:  s.opts.weight,
		Version: s.opts.version,
		Codec:   s.opts.conn.CodecType.String(),
	}
}

func (s *Server) handleConn(conn net.Conn) {
	opts := append([]transport.Option{
		transport.WithLogger(s.opts.logger),
		transport.WithMethods(s.methods),
		transport.WithMiddleware(s.middlewares...),
	}, s.opts.channel...)

	ch := transport.NewChannel(port.NewConnEndpoint(conn, s.opts.conn), opts...)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.channels[ch] = struct{}{}
	s.mu.Unlock()

	s.opts.logger.Debug("connection accepted",
		zap.String("channel", ch.ID()),
		zap.Stringer("remote", conn.RemoteAddr()))

	go func() {
		<-ch.Done()
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
		s.opts.logger.Debug("connection closed", zap.String("channel", ch.ID()))
	}()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Shutdown stops the server gracefully:
//  1. deregister from the registry so pools stop dialling this server
//  2. close the listener
//  3. wait for calls in flight, at most timeout
//  4. close every connection
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs []error

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if reg := s.opts.registry; reg != nil && listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, s.opts.service, s.instance().Addr); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	// Set the flag before closing so that Serve reports a clean exit.
	s.shutdown.Store(true)
	if listener != nil {
		listener.Close()
	}

	s.mu.Lock()
	channels := make([]*transport.Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, ch := range channels {
		if err := ch.Drain(ctx); err != nil {
			errs = append(errs, errors.New("timeout waiting for ongoing calls to finish"))
			break
		}
	}
	for _, ch := range channels {
		ch.Close()
	}

	s.opts.logger.Info("server stopped", zap.Int("connections", len(channels)))
	return errors.Join(errs...)
}
