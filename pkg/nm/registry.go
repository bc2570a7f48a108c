// Package nm implements the naming manager: the stateful coordinator that
// owns the file directory, ACLs, user sessions, the storage-server registry,
// and the asynchronous replication machinery.
package nm

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/proto"
)

// Endpoint locates one storage server's data listener.
type Endpoint struct {
	ID       int
	Addr     string
	DataPort int
}

type ssEntry struct {
	id            int
	addr          string
	ctrlPort      int
	dataPort      int
	lastHeartbeat time.Time
	up            bool
}

// Registry tracks the storage servers known to the naming manager. Entries
// are upserted by SS_REGISTER and kept alive by SS_HEARTBEAT; the liveness
// monitor marks them down after a heartbeat lapse.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*ssEntry
	upGauge prometheus.Gauge
}

// NewRegistry creates an empty registry reporting liveness to gauge.
func NewRegistry(gauge prometheus.Gauge) *Registry {
	return &Registry{entries: make(map[int]*ssEntry), upGauge: gauge}
}

// Register upserts a storage server with its ports and the peer address the
// registration arrived from. A registered server is immediately up.
func (r *Registry) Register(id int, addr string, ctrlPort, dataPort int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[id]
	if e == nil {
		e = &ssEntry{id: id}
		r.entries[id] = e
	}
	e.addr = addr
	e.ctrlPort = ctrlPort
	e.dataPort = dataPort
	e.lastHeartbeat = time.Now()
	e.up = true
	r.updateGaugeLocked()
}

// Heartbeat bumps a server's liveness clock, creating a placeholder entry
// for servers that heartbeat before registering. A server only counts as up
// once its data port is known, so a placeholder stays down until a register
// arrives. Returns true when the heartbeat brought the server up.
func (r *Registry) Heartbeat(id int, addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[id]
	if e == nil {
		e = &ssEntry{id: id, addr: addr}
		r.entries[id] = e
	}
	e.lastHeartbeat = time.Now()
	wasUp := e.up
	e.up = e.dataPort > 0
	r.updateGaugeLocked()
	return e.up && !wasUp
}

// MarkStale downs every up server whose last heartbeat is older than
// timeout and returns their ids.
func (r *Registry) MarkStale(timeout time.Duration) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var downed []int
	now := time.Now()
	for _, e := range r.entries {
		if e.up && now.Sub(e.lastHeartbeat) > timeout {
			e.up = false
			downed = append(downed, e.id)
			logger.Warn("storage server lost", "ss_id", e.id,
				"last_heartbeat", e.lastHeartbeat)
		}
	}
	r.updateGaugeLocked()
	sort.Ints(downed)
	return downed
}

// IsUp reports whether the server is currently considered alive.
func (r *Registry) IsUp(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	return e != nil && e.up
}

// Endpoint resolves a server's data endpoint. It answers for down servers
// too: replication tasks fail on connect instead, matching the best-effort
// contract.
func (r *Registry) Endpoint(id int) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[id]
	if e == nil || e.dataPort == 0 {
		return Endpoint{}, false
	}
	return Endpoint{ID: e.id, Addr: e.addr, DataPort: e.dataPort}, true
}

// UpIDs returns the ids of all live servers with a known data port, in
// ascending order.
func (r *Registry) UpIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int
	for _, e := range r.entries {
		if e.up && e.dataPort > 0 {
			ids = append(ids, e.id)
		}
	}
	sort.Ints(ids)
	return ids
}

// IDs returns every known server id in ascending order, up or not.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// List snapshots the registry for LIST_SS.
func (r *Registry) List() []proto.ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]proto.ServerInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, proto.ServerInfo{
			ID:       e.id,
			Addr:     e.addr,
			CtrlPort: e.ctrlPort,
			DataPort: e.dataPort,
			Up:       e.up,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) updateGaugeLocked() {
	if r.upGauge == nil {
		return
	}
	n := 0
	for _, e := range r.entries {
		if e.up {
			n++
		}
	}
	r.upGauge.Set(float64(n))
}
