package nm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/metrics"
	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ticket"
)

// Replication task kinds, used as metric labels and log fields.
const (
	taskPut             = "PUT"
	taskPutUndo         = "PUT_UNDO"
	taskPutCheckpoint   = "PUT_CHECKPOINT"
	taskCmd             = "CMD"
	taskSyncCheckpoints = "SYNC_CHECKPOINTS"
)

// Replicator runs the naming manager's fire-and-forget replication tasks.
// Each task carries all of its inputs by value, runs on its own goroutine,
// and only ever touches the outstanding-task counter; failures are logged
// and dropped — the next commit on the same file retriggers the transfer.
type Replicator struct {
	m       *metrics.Metrics
	pending atomic.Int64
	wg      sync.WaitGroup
}

// NewReplicator creates a replicator recording into m.
func NewReplicator(m *metrics.Metrics) *Replicator {
	return &Replicator{m: m}
}

// Pending is the number of outstanding tasks, surfaced by STATS.
func (r *Replicator) Pending() int {
	n := r.pending.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Wait blocks until every scheduled task finished. Shutdown and tests only.
func (r *Replicator) Wait() {
	r.wg.Wait()
}

func (r *Replicator) schedule(kind string, task func() error) {
	r.pending.Add(1)
	r.m.ReplicationQueue.Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.m.ReplicationQueue.Dec()
		defer r.pending.Add(-1)

		outcome := "ok"
		if err := task(); err != nil {
			outcome = "error"
			logger.Warn("replication task failed", "kind", kind, "error", err)
		}
		r.m.ReplicationTasksTotal.WithLabelValues(kind, outcome).Inc()
	}()
}

// PutFile copies a file's current bytes from the primary to the target.
func (r *Replicator) PutFile(file string, src, dst Endpoint) {
	r.schedule(taskPut, func() error {
		body, err := fetchBody(file, src)
		if err != nil {
			return err
		}
		return callData(dst, &proto.Message{Type: proto.TypePut, File: file, Body: body})
	})
}

// PutUndo copies a file's undo snapshot, when one exists, from the primary
// to the target. The snapshot is fetched through READ with a pseudo-path
// into the undo area; the ticket is signed for that pseudo-path so the
// storage server's exact-match validation accepts it.
func (r *Replicator) PutUndo(file string, src, dst Endpoint) {
	r.schedule(taskPutUndo, func() error {
		undoPath := fmt.Sprintf("../undo/%s.undo", file)
		body, err := fetchBody(undoPath, src)
		if err != nil {
			// No snapshot on the primary is the common case, not a failure.
			return nil
		}
		return callData(dst, &proto.Message{Type: proto.TypePutUndo, File: file, Body: body})
	})
}

// PutCheckpoint copies one named checkpoint from the primary to the target.
func (r *Replicator) PutCheckpoint(file, name string, src, dst Endpoint) {
	r.schedule(taskPutCheckpoint, func() error {
		req := &proto.Message{
			Type:   proto.TypeViewCheckpoint,
			File:   file,
			Name:   name,
			Ticket: ticket.Build(file, ticket.OpViewCheckpoint, src.ID, ticket.DefaultTTL),
		}
		resp, err := proto.Call(src.Addr, src.DataPort, req)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return fmt.Errorf("fetch checkpoint %s@%s: %w", name, file, proto.StatusError(resp.Status))
		}
		return callData(dst, &proto.Message{
			Type: proto.TypePutCheckpoint, File: file, Name: name, Body: resp.Body,
		})
	})
}

// SyncCheckpoints discovers the primary's checkpoint names for a file and
// copies each one to the target.
func (r *Replicator) SyncCheckpoints(file string, src, dst Endpoint) {
	r.schedule(taskSyncCheckpoints, func() error {
		req := &proto.Message{
			Type:   proto.TypeListCheckpoints,
			File:   file,
			Ticket: ticket.Build(file, ticket.OpListCheckpoints, src.ID, ticket.DefaultTTL),
		}
		resp, err := proto.Call(src.Addr, src.DataPort, req)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return fmt.Errorf("list checkpoints for %s: %w", file, proto.StatusError(resp.Status))
		}
		for _, name := range resp.Checkpoints {
			r.PutCheckpoint(file, name, src, dst)
		}
		return nil
	})
}

// Cmd replays a structural command (CREATE, DELETE or RENAME) on the target
// without a body transfer.
func (r *Replicator) Cmd(cmdType, file, newFile string, dst Endpoint) {
	r.schedule(taskCmd, func() error {
		req := &proto.Message{Type: cmdType, File: file}
		if cmdType == proto.TypeRename {
			req.NewFile = newFile
		}
		return callData(dst, req)
	})
}

// SyncFile schedules the full resync of one file to a replica: current
// bytes, undo snapshot, and every named checkpoint.
func (r *Replicator) SyncFile(file string, src, dst Endpoint) {
	r.PutFile(file, src, dst)
	r.PutUndo(file, src, dst)
	r.SyncCheckpoints(file, src, dst)
}

func fetchBody(file string, src Endpoint) (string, error) {
	req := &proto.Message{
		Type:   proto.TypeRead,
		File:   file,
		Ticket: ticket.Build(file, ticket.OpRead, src.ID, ticket.DefaultTTL),
	}
	resp, err := proto.Call(src.Addr, src.DataPort, req)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("fetch %s from ss%d: %w", file, src.ID, proto.StatusError(resp.Status))
	}
	return resp.Body, nil
}

func callData(dst Endpoint, req *proto.Message) error {
	resp, err := proto.Call(dst.Addr, dst.DataPort, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s on ss%d: %w", req.Type, dst.ID, proto.StatusError(resp.Status))
	}
	return nil
}
