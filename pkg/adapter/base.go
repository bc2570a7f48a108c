// Package adapter provides shared TCP lifecycle management for the docstore
// servers. The naming manager and the storage server embed BaseServer and
// inject their wire behavior through a ConnectionFactory.
package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docsplus/docstore/internal/logger"
)

// ConnectionHandler serves a single accepted connection. Serve blocks until
// the connection is closed or the context is cancelled.
type ConnectionHandler interface {
	Serve(ctx context.Context)
}

// ConnectionFactory wraps accepted TCP connections in a server-specific
// handler. Both docstore servers implement this and pass themselves to
// BaseServer.Serve.
type ConnectionFactory interface {
	NewConnection(conn net.Conn) ConnectionHandler
}

// ConnGauge receives connection open/close events. prometheus.Gauge
// satisfies it; a nil gauge disables recording.
type ConnGauge interface {
	Inc()
	Dec()
}

// Config holds listener configuration common to both server roles.
type Config struct {
	// BindAddress is the IP to bind; empty binds all interfaces.
	BindAddress string

	// Port is the TCP port to listen on.
	Port int

	// MaxConnections limits concurrent connections; 0 means unlimited.
	MaxConnections int

	// ShutdownTimeout bounds the wait for active connections on stop.
	ShutdownTimeout time.Duration
}

// BaseServer owns the accept loop, connection tracking, and graceful
// shutdown shared by the naming manager and storage server listeners.
//
// All exported methods are safe for concurrent use. Shutdown is idempotent;
// Stop may race with Serve without harm.
type BaseServer struct {
	Config Config

	// name labels log lines and metrics ("nm", "ss-ctrl", ...).
	name string

	// Gauge records the number of open connections; may be nil.
	Gauge ConnGauge

	listener   net.Listener
	listenerMu sync.RWMutex

	// activeConns tracks in-flight connections for graceful drain.
	activeConns sync.WaitGroup

	shutdownOnce sync.Once

	// Shutdown is closed once shutdown begins; the accept loop watches it.
	Shutdown chan struct{}

	// ConnCount is the number of currently open connections.
	ConnCount atomic.Int32

	// connSemaphore bounds concurrency when MaxConnections > 0; nil otherwise.
	connSemaphore chan struct{}

	// ShutdownCtx is cancelled during shutdown so in-flight requests can
	// abort long-running work.
	ShutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeByAddr maps remote address to net.Conn for forced closure.
	activeByAddr sync.Map

	// ListenerReady is closed when the listener accepts connections. Tests
	// and startup sequencing wait on it.
	ListenerReady chan struct{}
}

// NewBaseServer creates a stopped BaseServer. Call Serve to start it.
func NewBaseServer(cfg Config, name string) *BaseServer {
	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BaseServer{
		Config:         cfg,
		name:           name,
		Shutdown:       make(chan struct{}),
		connSemaphore:  sem,
		ShutdownCtx:    ctx,
		cancelRequests: cancel,
		ListenerReady:  make(chan struct{}),
	}
}

// Serve runs the accept loop until ctx is cancelled or the listener fails.
// Each accepted connection is handled on its own goroutine by a handler
// created through factory.
func (b *BaseServer) Serve(ctx context.Context, factory ConnectionFactory) error {
	addr := fmt.Sprintf("%s:%d", b.Config.BindAddress, b.Config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s (%s): %w", addr, b.name, err)
	}

	b.listenerMu.Lock()
	b.listener = listener
	b.listenerMu.Unlock()
	close(b.ListenerReady)

	logger.Info(b.name+" listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		b.initiateShutdown()
	}()

	for {
		if b.connSemaphore != nil {
			select {
			case b.connSemaphore <- struct{}{}:
			case <-b.Shutdown:
				return b.gracefulShutdown()
			}
		}

		tcpConn, err := b.listener.Accept()
		if err != nil {
			if b.connSemaphore != nil {
				<-b.connSemaphore
			}
			select {
			case <-b.Shutdown:
				return b.gracefulShutdown()
			default:
				logger.Debug("accept error", "server", b.name, "error", err)
				continue
			}
		}

		if tcp, ok := tcpConn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		b.activeConns.Add(1)
		b.ConnCount.Add(1)
		connAddr := tcpConn.RemoteAddr().String()
		b.activeByAddr.Store(connAddr, tcpConn)
		if b.Gauge != nil {
			b.Gauge.Inc()
		}

		logger.Debug("connection accepted", "server", b.name, "address", connAddr, "active", b.ConnCount.Load())

		handler := factory.NewConnection(tcpConn)

		go func(addr string, tcp net.Conn) {
			defer func() {
				_ = tcp.Close()
				b.activeByAddr.Delete(addr)
				b.activeConns.Done()
				b.ConnCount.Add(-1)
				if b.connSemaphore != nil {
					<-b.connSemaphore
				}
				if b.Gauge != nil {
					b.Gauge.Dec()
				}
				logger.Debug("connection closed", "server", b.name, "address", addr, "active", b.ConnCount.Load())
			}()

			handler.Serve(b.ShutdownCtx)
		}(connAddr, tcpConn)
	}
}

// initiateShutdown closes the listener, interrupts blocking reads, and
// cancels in-flight request contexts. Safe to call more than once.
func (b *BaseServer) initiateShutdown() {
	b.shutdownOnce.Do(func() {
		logger.Debug(b.name + " shutdown initiated")
		close(b.Shutdown)

		b.listenerMu.Lock()
		if b.listener != nil {
			_ = b.listener.Close()
		}
		b.listenerMu.Unlock()

		b.interruptBlockingReads()
		b.cancelRequests()
	})
}

// interruptBlockingReads sets a near-term deadline on every open connection
// so goroutines stuck in a frame read observe shutdown promptly.
func (b *BaseServer) interruptBlockingReads() {
	deadline := time.Now().Add(100 * time.Millisecond)
	b.activeByAddr.Range(func(_, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		return true
	})
}

// gracefulShutdown waits for open connections to drain, force-closing any
// stragglers after the configured timeout.
func (b *BaseServer) gracefulShutdown() error {
	active := b.ConnCount.Load()
	logger.Info(b.name+" draining connections", "active", active, "timeout", b.Config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		b.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(b.name + " shutdown complete")
		return nil
	case <-time.After(b.Config.ShutdownTimeout):
		remaining := b.ConnCount.Load()
		logger.Warn(b.name+" shutdown timeout, forcing closure", "active", remaining)
		b.forceCloseConnections()
		return fmt.Errorf("%s shutdown timeout: %d connections force-closed", b.name, remaining)
	}
}

func (b *BaseServer) forceCloseConnections() {
	b.activeByAddr.Range(func(key, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			_ = conn.Close()
			logger.Debug("force-closed connection", "server", b.name, "address", key)
		}
		return true
	})
}

// Stop initiates shutdown and waits for connections to drain. A nil ctx
// falls back to the configured ShutdownTimeout.
func (b *BaseServer) Stop(ctx context.Context) error {
	b.initiateShutdown()

	if ctx == nil {
		return b.gracefulShutdown()
	}

	done := make(chan struct{})
	go func() {
		b.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn(b.name+" stop cancelled", "active", b.ConnCount.Load(), "error", ctx.Err())
		return ctx.Err()
	}
}

// GetListenerAddr blocks until the listener is ready and returns its
// address, which is how tests discover an ephemeral port.
func (b *BaseServer) GetListenerAddr() string {
	<-b.ListenerReady

	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}
