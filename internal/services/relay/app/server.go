// Package server hosts the relay listeners and drives client sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/roomrelay/internal/platform/errors"
	"github.com/louisbranch/roomrelay/internal/platform/timeouts"
	"github.com/louisbranch/roomrelay/internal/services/relay/room"
	relaysqlite "github.com/louisbranch/roomrelay/internal/services/relay/storage/sqlite"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

const (
	// DefaultTCPAddr is the chat listener address when none is configured.
	DefaultTCPAddr = ":8000"
	// DefaultJoinAttempts is the join handshake budget per connection.
	DefaultJoinAttempts = 4
	// DefaultReadBufferBytes bounds one inbound chat message.
	DefaultReadBufferBytes = 1024

	maxAcceptBackoff = time.Second
)

// Config defines the inputs for the relay process.
type Config struct {
	TCPAddr           string
	HTTPAddr          string
	OpsAddr           string
	StatePath         string
	JoinAttempts      int
	ReadBufferBytes   int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.TCPAddr) == "" {
		c.TCPAddr = DefaultTCPAddr
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = DefaultJoinAttempts
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = DefaultReadBufferBytes
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
	return c
}

// Server owns the room registry and every listener that feeds it.
type Server struct {
	config Config
	rooms  *room.Manager
	store  *relaysqlite.Store

	listener net.Listener

	httpListener net.Listener
	httpServer   *http.Server

	opsListener net.Listener
	grpcServer  *grpc.Server
	health      *health.Server

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	active  sync.WaitGroup
}

// NewServer opens state storage and binds every configured listener.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	config = config.withDefaults()

	s := &Server{
		config: config,
		conns:  make(map[net.Conn]struct{}),
	}

	if path := strings.TrimSpace(config.StatePath); path != "" {
		store, err := openStore(ctx, path)
		if err != nil {
			return nil, err
		}
		s.store = store
		manager, err := room.NewManagerWithStore(ctx, store)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.rooms = manager
	} else {
		s.rooms = room.NewManager()
	}

	listener, err := net.Listen("tcp", config.TCPAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen on %s: %w", config.TCPAddr, err)
	}
	s.listener = listener

	if addr := strings.TrimSpace(config.HTTPAddr); addr != "" {
		httpListener, err := net.Listen("tcp", addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listen http on %s: %w", addr, err)
		}
		s.httpListener = httpListener
		s.httpServer = &http.Server{
			Handler:           newHandler(s.rooms, s.serveWebSocket),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		}
	}

	if addr := strings.TrimSpace(config.OpsAddr); addr != "" {
		opsListener, err := net.Listen("tcp", addr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listen ops on %s: %w", addr, err)
		}
		s.opsListener = opsListener
		s.grpcServer, s.health = newOpsServer()
	}

	return s, nil
}

// Run creates and serves a relay until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// Addr returns the chat listener address.
func (s *Server) Addr() string {
	return listenerAddr(s.listener)
}

// HTTPAddr returns the gateway listener address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	return listenerAddr(s.httpListener)
}

// OpsAddr returns the ops gRPC listener address, or "" when disabled.
func (s *Server) OpsAddr() string {
	return listenerAddr(s.opsListener)
}

// Rooms returns the registry served by this relay.
func (s *Server) Rooms() *room.Manager {
	return s.rooms
}

func listenerAddr(listener net.Listener) string {
	if listener == nil {
		return ""
	}
	return listener.Addr().String()
}

// ListenAndServe accepts clients on every listener until the context ends,
// then closes open connections and waits for their sessions to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	// Any listener stopping on its own takes the others down with it.
	groupCtx, stop := context.WithCancel(groupCtx)
	defer stop()

	log.Printf("%s\nrelay listening on %s", banner, s.Addr())
	group.Go(func() error {
		defer stop()
		return s.acceptLoop(groupCtx)
	})

	if s.httpServer != nil {
		log.Printf("relay gateway listening on %s", s.HTTPAddr())
		group.Go(func() error {
			defer stop()
			if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		})
	}

	if s.grpcServer != nil {
		log.Printf("relay ops listening on %s", s.OpsAddr())
		markServing(s.health)
		group.Go(func() error {
			defer stop()
			if err := s.grpcServer.Serve(s.opsListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve gRPC: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown()
	})

	err := group.Wait()
	s.active.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	backoff := time.Duration(0)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			acceptErr := apperrors.Wrap(apperrors.CodeAcceptError, "accept connection", err)
			backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
			log.Printf("relay: %v; retrying in %v", acceptErr, backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		address := conn.RemoteAddr().String()
		log.Printf("relay: new client from %s", address)
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.untrack(conn)
			s.serveConn(ctx, address, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, address string, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	newSession(address, conn, s.rooms, sessionConfig{
		joinAttempts:    s.config.JoinAttempts,
		readBufferBytes: s.config.ReadBufferBytes,
	}).run(ctx)
}

// track registers conn for shutdown. It reports false once shutdown began.
func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	s.active.Done()
}

func (s *Server) shutdown() error {
	if s.health != nil {
		s.health.Shutdown()
	}
	_ = s.listener.Close()

	var errs []error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		cancel()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	s.connsMu.Lock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()
	return errors.Join(errs...)
}

// Close releases listeners and storage. It is safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	for _, listener := range []net.Listener{s.listener, s.httpListener, s.opsListener} {
		if listener != nil {
			_ = listener.Close()
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close relay store: %v", err)
		}
		s.store = nil
	}
}

func openStore(ctx context.Context, path string) (*relaysqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := relaysqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open relay sqlite store: %w", err)
	}
	return store, nil
}
