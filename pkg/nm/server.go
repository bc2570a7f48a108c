package nm

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/adapter"
	"github.com/docsplus/docstore/pkg/config"
	"github.com/docsplus/docstore/pkg/metrics"
	"github.com/docsplus/docstore/pkg/nm/state"
)

// Server is the naming manager process: one control listener serving
// clients and storage servers, the persisted state document, the storage
// registry, the liveness monitor, and the replication workers.
type Server struct {
	cfg config.NMConfig
	st  *state.Store
	reg *Registry
	rep *Replicator
	m   *metrics.Metrics

	base *adapter.BaseServer
}

// New builds a Server from configuration, loading the state document.
func New(cfg config.NMConfig, m *metrics.Metrics) (*Server, error) {
	st, err := state.Open(cfg.StateFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		st:  st,
		reg: NewRegistry(m.StorageServersUp),
		rep: NewReplicator(m),
		m:   m,
	}
	s.base = adapter.NewBaseServer(adapter.Config{
		BindAddress:     cfg.Bind,
		Port:            cfg.Port,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, "nm")
	s.base.Gauge = m.ConnectionsActive.WithLabelValues("nm")
	return s, nil
}

// State exposes the persisted state store, mainly for the admin API and tests.
func (s *Server) State() *state.Store { return s.st }

// Registry exposes the storage-server registry.
func (s *Server) Registry() *Registry { return s.reg }

// Replicator exposes the replication workers.
func (s *Server) Replicator() *Replicator { return s.rep }

// Addr blocks until the control listener is bound and returns its address.
func (s *Server) Addr() string { return s.base.GetListenerAddr() }

// Serve binds the control listener, starts the liveness monitor, and blocks
// until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	go s.monitor(ctx)
	return s.base.Serve(ctx, s)
}

// Stop initiates graceful shutdown.
func (s *Server) Stop(ctx context.Context) error {
	return s.base.Stop(ctx)
}

// NewConnection wraps an accepted socket in the request loop. The peer
// address doubles as the storage server address on SS_REGISTER.
func (s *Server) NewConnection(nc net.Conn) adapter.ConnectionHandler {
	return &conn{srv: s, sock: nc, peer: peerIP(nc)}
}

func peerIP(nc net.Conn) string {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return "127.0.0.1"
	}
	return host
}

// monitor is the liveness loop: every MonitorInterval it downs servers that
// went silent beyond HeartbeatTimeout, then promotes a replica for every
// file whose primary is down.
func (s *Server) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reg.MarkStale(s.cfg.HeartbeatTimeout)
			s.promoteOrphans()
		}
	}
}

// promoteOrphans scans the directory for files whose primary is down and
// promotes the first up replica. The demoted primary moves to the head of
// the replica list so it resyncs and takes over again when it returns.
func (s *Server) promoteOrphans() {
	err := s.st.Mutate(func(st *state.State) error {
		changed := false
		for file, entry := range st.Directory {
			if s.reg.IsUp(entry.SSID) {
				continue
			}
			primary := entry.SSID
			for _, cand := range st.Replicas[file] {
				if cand == primary || !s.reg.IsUp(cand) {
					continue
				}
				next := []int{primary}
				for _, id := range st.Replicas[file] {
					if id != cand && id != primary {
						next = append(next, id)
					}
				}
				entry.SSID = cand
				st.Replicas[file] = next
				changed = true
				logger.Warn("promoted replica to primary", "file", file,
					"new_primary", cand, "old_primary", primary)
				break
			}
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if err != nil && err != errNoChange {
		logger.Error("failed to persist promotion", "error", err)
	}
}

// errNoChange aborts a Mutate without persisting; it never leaves this
// package.
var errNoChange = errors.New("no change")

// resyncTo schedules a full resync of every file that lists ssid as a
// replica, pulling from each file's current primary.
func (s *Server) resyncTo(ssid int) {
	dst, ok := s.reg.Endpoint(ssid)
	if !ok {
		return
	}
	type job struct {
		file    string
		primary int
	}
	var jobs []job
	s.st.View(func(st *state.State) {
		for file, entry := range st.Directory {
			for _, id := range st.Replicas[file] {
				if id == ssid {
					jobs = append(jobs, job{file: file, primary: entry.SSID})
					break
				}
			}
		}
	})
	for _, j := range jobs {
		src, ok := s.reg.Endpoint(j.primary)
		if !ok {
			continue
		}
		logger.Info("resyncing file to replica", "file", j.file,
			"primary", j.primary, "replica", ssid)
		s.rep.SyncFile(j.file, src, dst)
	}
}

// pickLeastLoaded chooses the up storage server with the fewest primary
// mappings; ties break toward the lowest id.
func (s *Server) pickLeastLoaded() (Endpoint, bool) {
	ids := s.reg.UpIDs()
	if len(ids) == 0 {
		return Endpoint{}, false
	}
	counts := make(map[int]int, len(ids))
	s.st.View(func(st *state.State) {
		for _, entry := range st.Directory {
			counts[entry.SSID]++
		}
	})
	best := ids[0]
	for _, id := range ids[1:] {
		if counts[id] < counts[best] {
			best = id
		}
	}
	return s.reg.Endpoint(best)
}

// pickReplicas selects replica targets for a new file: the first other up
// servers, bounded by the configured target count.
func (s *Server) pickReplicas(primary int) []int {
	target := s.cfg.ReplicaTarget
	if target <= 0 {
		return nil
	}
	var out []int
	for _, id := range s.reg.UpIDs() {
		if id == primary {
			continue
		}
		out = append(out, id)
		if len(out) >= target {
			break
		}
	}
	return out
}
