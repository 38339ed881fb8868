// Package server speaks 9P2000 on the wire and vfs capabilities on the
// inside. Each connection is a session with its own fid and tag tables;
// requests run concurrently per tag, so a blocked watch read never
// holds up the rest of the connection.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/grovedb/grove/internal/ninep"
	"github.com/grovedb/grove/internal/vfs"
)

// Server serves one Namespace to any number of connections.
type Server struct {
	ns    *vfs.Namespace
	log   *slog.Logger
	msize uint32
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMsize caps the negotiated message size.
func WithMsize(n uint32) Option {
	return func(s *Server) {
		if n >= ninep.MinMsize {
			s.msize = n
		}
	}
}

// New returns a Server for ns.
func New(ns *vfs.Namespace, opts ...Option) *Server {
	s := &Server{
		ns:    ns,
		log:   slog.Default(),
		msize: ninep.DefaultMsize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "server")
	return s
}

// Serve accepts connections until ctx is cancelled or the listener
// fails, then waits for in-flight sessions to wind down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
				s.log.Debug("session ended", "err", err)
			}
		}()
	}
}

// ServeConn runs one 9P session over an established connection. It
// returns when the peer disconnects, the connection fails or ctx is
// cancelled. The connection is closed and the session's transactions
// are aborted on the way out.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	se := newSession(s, conn)
	s.ns.SessionOpened()
	defer s.ns.SessionClosed()
	return se.serve(ctx)
}
