package ss

import (
	"context"
	"fmt"
	"net"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/adapter"
	"github.com/docsplus/docstore/pkg/config"
	"github.com/docsplus/docstore/pkg/metrics"
)

// Notifier receives post-commit events destined for the naming manager so
// replication can fan out. NMLink is the production implementation.
type Notifier interface {
	Commit(file string)
	Checkpoint(file, name string)
}

// Server is one storage server process: two listeners sharing a dispatch
// (control traffic from the naming manager, data traffic from clients), a
// disk store, and the sentence lock table.
type Server struct {
	cfg   config.SSConfig
	store *Store
	locks *lockTable
	m     *metrics.Metrics

	ctrl *adapter.BaseServer
	data *adapter.BaseServer

	notifier Notifier
}

// New builds a Server from configuration, creating the on-disk layout.
func New(cfg config.SSConfig, m *metrics.Metrics) (*Server, error) {
	store, err := NewStore(cfg.DataDir, cfg.ID)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		locks: newLockTable(),
		m:     m,
	}

	s.ctrl = adapter.NewBaseServer(adapter.Config{
		BindAddress:     cfg.Bind,
		Port:            cfg.CtrlPort,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, fmt.Sprintf("ss%d-ctrl", cfg.ID))
	s.ctrl.Gauge = m.ConnectionsActive.WithLabelValues("ss-ctrl")

	s.data = adapter.NewBaseServer(adapter.Config{
		BindAddress:     cfg.Bind,
		Port:            cfg.DataPort,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, fmt.Sprintf("ss%d-data", cfg.ID))
	s.data.Gauge = m.ConnectionsActive.WithLabelValues("ss-data")

	s.notifier = NewNMLink(cfg)
	return s, nil
}

// Store exposes the disk store, mainly for tests.
func (s *Server) Store() *Store { return s.store }

// DataAddr blocks until the data listener is up and returns its address.
func (s *Server) DataAddr() string { return s.data.GetListenerAddr() }

// Serve binds both listeners, registers with the naming manager, starts the
// heartbeat loop, and blocks until ctx is cancelled or a listener fails.
// The data port is bound before registration so the naming manager never
// learns an endpoint that cannot accept connections.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.data.Serve(ctx, s) }()
	go func() { errCh <- s.ctrl.Serve(ctx, s) }()

	for _, ready := range []chan struct{}{s.data.ListenerReady, s.ctrl.ListenerReady} {
		select {
		case <-ready:
		case err := <-errCh:
			s.stopBoth()
			return err
		}
	}

	if link, ok := s.notifier.(*NMLink); ok {
		if err := link.Register(ctx); err != nil {
			s.stopBoth()
			return fmt.Errorf("failed to register with naming manager: %w", err)
		}
		logger.Info("registered with naming manager", "ss_id", s.cfg.ID,
			"nm", fmt.Sprintf("%s:%d", s.cfg.NMAddr, s.cfg.NMPort))
		go link.HeartbeatLoop(ctx)
	}

	err := <-errCh
	s.stopBoth()
	<-errCh
	return err
}

func (s *Server) stopBoth() {
	_ = s.ctrl.Stop(nil)
	_ = s.data.Stop(nil)
}

// Stop initiates graceful shutdown of both listeners.
func (s *Server) Stop(ctx context.Context) error {
	ctrlErr := s.ctrl.Stop(ctx)
	dataErr := s.data.Stop(ctx)
	if ctrlErr != nil {
		return ctrlErr
	}
	return dataErr
}

// NewConnection wraps an accepted socket in the request loop.
func (s *Server) NewConnection(nc net.Conn) adapter.ConnectionHandler {
	return &conn{srv: s, sock: nc}
}
