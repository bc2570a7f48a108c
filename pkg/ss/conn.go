package ss

import (
	"context"
	"time"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ss/doc"
	"github.com/docsplus/docstore/pkg/ticket"
)

// streamWordGap paces STREAM responses so interactive clients render the
// document word by word.
const streamWordGap = 100 * time.Millisecond

// conn serves one client or naming-manager connection. Requests on a
// connection are strictly ordered, which the write-session state machine
// relies on.
type conn struct {
	srv  *Server
	sock frameConn
	ws   writeSession
}

// frameConn is the subset of net.Conn the request loop needs; tests drive
// handlers over an in-memory pipe.
type frameConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

func (c *conn) Serve(ctx context.Context) {
	defer c.ws.close(c.srv.locks)

	for {
		req, err := proto.ReadMessage(c.sock)
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		status := c.dispatch(ctx, req)
		c.srv.m.RequestsTotal.WithLabelValues(req.Type, status).Inc()
	}
}

func (c *conn) dispatch(ctx context.Context, req *proto.Message) string {
	switch req.Type {
	case proto.TypeRead:
		return c.handleRead(req)
	case proto.TypeCreate:
		return c.handleCreate(req)
	case proto.TypeDelete:
		return c.handleDelete(req)
	case proto.TypeCreateFolder:
		return c.handleCreateFolder(req)
	case proto.TypeBeginWrite:
		return c.handleBeginWrite(req)
	case proto.TypeApply:
		return c.handleApply(req)
	case proto.TypeEndWrite:
		return c.handleEndWrite(req)
	case proto.TypeUndo:
		return c.handleUndo(req)
	case proto.TypeRevert:
		return c.handleRevert(req)
	case proto.TypeCheckpoint:
		return c.handleCheckpoint(req)
	case proto.TypeViewCheckpoint:
		return c.handleViewCheckpoint(req)
	case proto.TypeListCheckpoints:
		return c.handleListCheckpoints(req)
	case proto.TypeRename:
		return c.handleRename(req)
	case proto.TypePut:
		return c.handlePut(req)
	case proto.TypePutUndo:
		return c.handlePutUndo(req)
	case proto.TypePutCheckpoint:
		return c.handlePutCheckpoint(req)
	case proto.TypeInfo:
		return c.handleInfo(req)
	case proto.TypeStream:
		return c.handleStream(ctx, req)
	default:
		return c.status(proto.StatusBadRequest)
	}
}

func (c *conn) send(v any) error {
	return proto.WriteValue(c.sock, v)
}

// status sends a bare terminal status and returns it for metrics.
func (c *conn) status(status string) string {
	_ = c.send(&proto.Message{Status: status})
	return status
}

func (c *conn) statusMsg(status, msg string) string {
	_ = c.send(&proto.Message{Status: status, Msg: msg})
	return status
}

func (c *conn) handleRead(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" {
		return c.status(proto.StatusBadRequest)
	}
	if ticket.Validate(req.Ticket, req.File, ticket.OpRead, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	body, err := c.srv.store.Read(req.File)
	if err != nil {
		return c.status(proto.StatusFor(err))
	}
	_ = c.send(&proto.Message{Status: proto.StatusOK, Body: string(body)})
	return proto.StatusOK
}

func (c *conn) handleCreate(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.store.Create(req.File); err != nil {
		return c.status(proto.StatusFor(err))
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleDelete(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.store.Delete(req.File); err != nil {
		return c.status(proto.StatusFor(err))
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleCreateFolder(req *proto.Message) string {
	if req.Path == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.store.CreateFolder(req.Path); err != nil {
		return c.status(proto.StatusInternal)
	}
	return c.status(proto.StatusOK)
}

// handleBeginWrite opens a write session. The OK is acknowledged before the
// session working copy is built so interactive clients get their prompt
// without waiting on disk; a setup failure aborts the session silently and
// surfaces on the next APPLY.
func (c *conn) handleBeginWrite(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" {
		return c.status(proto.StatusBadRequest)
	}
	if ticket.Validate(req.Ticket, req.File, ticket.OpWrite, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	if c.ws.active {
		return c.statusMsg(proto.StatusBadRequest, "session-active")
	}

	sentence := 0
	if req.SentenceIndex != nil {
		sentence = *req.SentenceIndex
	}
	if !c.srv.locks.Acquire(req.File, sentence) {
		return c.status(proto.StatusLocked)
	}
	_ = c.send(&proto.Message{Status: proto.StatusOK})

	ws, err := c.srv.openSession(req.File, sentence)
	if err != nil {
		logger.Debug("write session aborted during setup", "file", req.File,
			"sentence", sentence, "error", err)
		c.srv.locks.Release(req.File, sentence)
		return proto.StatusOK
	}
	c.ws = *ws
	return proto.StatusOK
}

func (c *conn) handleApply(req *proto.Message) string {
	if !c.ws.active {
		return c.status(proto.StatusBadRequest)
	}
	if req.WordIndex == nil || req.Content == "" {
		return c.statusMsg(proto.StatusBadRequest, "missing-fields")
	}
	if !c.ws.apply(*req.WordIndex, req.Content) {
		return c.statusMsg(proto.StatusBadRequest, "invalid-index-or-content")
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleEndWrite(_ *proto.Message) string {
	if !c.ws.active {
		return c.status(proto.StatusBadRequest)
	}
	file := c.ws.file
	err := c.srv.commit(&c.ws)
	c.ws.close(c.srv.locks)

	if err != nil {
		logger.Error("write session commit failed", "file", file, "error", err)
		return c.status(proto.StatusInternal)
	}
	st := c.status(proto.StatusOK)
	if c.srv.notifier != nil {
		c.srv.notifier.Commit(file)
	}
	return st
}

func (c *conn) handleUndo(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" {
		return c.status(proto.StatusBadRequest)
	}
	if ticket.Validate(req.Ticket, req.File, ticket.OpUndo, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	snapshot, err := c.srv.store.ReadUndo(req.File)
	if err != nil {
		return c.status(proto.StatusNotFound)
	}
	if err := c.srv.store.Put(req.File, snapshot); err != nil {
		return c.status(proto.StatusInternal)
	}
	// One-step undo: the snapshot is consumed by a successful restore.
	c.srv.store.RemoveUndo(req.File)
	st := c.status(proto.StatusOK)
	if c.srv.notifier != nil {
		c.srv.notifier.Commit(req.File)
	}
	return st
}

func (c *conn) handleRevert(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" || req.Name == "" {
		return c.status(proto.StatusBadRequest)
	}
	if ticket.Validate(req.Ticket, req.File, ticket.OpRevert, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	snapshot, err := c.srv.store.ReadCheckpoint(req.File, req.Name)
	if err != nil {
		return c.status(proto.StatusNotFound)
	}
	if err := c.srv.store.Put(req.File, snapshot); err != nil {
		return c.status(proto.StatusInternal)
	}
	st := c.status(proto.StatusOK)
	if c.srv.notifier != nil {
		c.srv.notifier.Commit(req.File)
	}
	return st
}

func (c *conn) handleCheckpoint(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" || req.Name == "" {
		return c.status(proto.StatusBadRequest)
	}
	if ticket.Validate(req.Ticket, req.File, ticket.OpCheckpoint, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	body, err := c.srv.store.Read(req.File)
	if err != nil {
		return c.status(proto.StatusNotFound)
	}
	if err := c.srv.store.WriteCheckpoint(req.File, req.Name, body); err != nil {
		return c.status(proto.StatusInternal)
	}
	st := c.status(proto.StatusOK)
	if c.srv.notifier != nil {
		c.srv.notifier.Checkpoint(req.File, req.Name)
	}
	return st
}

func (c *conn) handleViewCheckpoint(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" || req.Name == "" {
		return c.status(proto.StatusBadRequest)
	}
	if ticket.Validate(req.Ticket, req.File, ticket.OpViewCheckpoint, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	body, err := c.srv.store.ReadCheckpoint(req.File, req.Name)
	if err != nil {
		return c.status(proto.StatusNotFound)
	}
	_ = c.send(&proto.Message{Status: proto.StatusOK, Body: string(body)})
	return proto.StatusOK
}

func (c *conn) handleListCheckpoints(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" {
		return c.status(proto.StatusBadRequest)
	}
	ops := []string{ticket.OpListCheckpoints, ticket.OpViewCheckpoint}
	if ticket.ValidateAny(req.Ticket, req.File, ops, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	names := c.srv.store.ListCheckpoints(req.File)
	if names == nil {
		names = []string{}
	}
	_ = c.send(&proto.CheckpointListReply{Status: proto.StatusOK, Checkpoints: names})
	return proto.StatusOK
}

func (c *conn) handleRename(req *proto.Message) string {
	if req.File == "" || req.NewFile == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.store.Rename(req.File, req.NewFile); err != nil {
		return c.status(proto.StatusFor(err))
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handlePut(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.store.Put(req.File, []byte(req.Body)); err != nil {
		return c.status(proto.StatusInternal)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handlePutUndo(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.store.WriteUndo(req.File, []byte(req.Body)); err != nil {
		return c.status(proto.StatusInternal)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handlePutCheckpoint(req *proto.Message) string {
	if req.File == "" || req.Name == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.store.WriteCheckpoint(req.File, req.Name, []byte(req.Body)); err != nil {
		return c.status(proto.StatusInternal)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleInfo(req *proto.Message) string {
	if req.File == "" || req.Ticket == "" {
		return c.status(proto.StatusBadRequest)
	}
	// A read or a write grant both entitle the caller to metadata.
	if ticket.ValidateAny(req.Ticket, req.File, []string{ticket.OpRead, ticket.OpWrite}, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	info, err := c.srv.store.Info(req.File)
	if err != nil {
		return c.status(proto.StatusNotFound)
	}
	_ = c.send(&proto.StatReply{
		Status: proto.StatusOK,
		Size:   info.Size,
		Mtime:  info.Mtime,
		Atime:  info.Atime,
		Words:  info.Words,
		Chars:  info.Chars,
	})
	return proto.StatusOK
}

func (c *conn) handleStream(ctx context.Context, req *proto.Message) string {
	if req.File == "" || req.Ticket == "" {
		return c.status(proto.StatusBadRequest)
	}
	if ticket.Validate(req.Ticket, req.File, ticket.OpRead, c.srv.cfg.ID) != nil {
		return c.status(proto.StatusNoAuth)
	}
	body, err := c.srv.store.Read(req.File)
	if err != nil {
		return c.status(proto.StatusNotFound)
	}

	for _, word := range doc.Words(string(body)) {
		if err := c.send(&proto.Message{Status: proto.StatusOK, Word: word}); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			return c.status(proto.StatusStop)
		case <-time.After(streamWordGap):
		}
	}
	return c.status(proto.StatusStop)
}
