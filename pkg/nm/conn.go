package nm

import (
	"context"
	"time"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/nm/state"
	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ticket"
)

// conn serves one client or storage-server connection to the naming
// manager's control port.
type conn struct {
	srv  *Server
	sock frameConn
	peer string
}

// frameConn is the subset of net.Conn the request loop needs; tests drive
// handlers over an in-memory pipe.
type frameConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

func (c *conn) Serve(ctx context.Context) {
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

		status, stop := c.dispatch(ctx, req)
		c.srv.m.RequestsTotal.WithLabelValues(req.Type, status).Inc()
		if stop {
			return
		}
	}
}

// dispatch routes one request. The second return asks the loop to close the
// connection (a rejected CLIENT_HELLO).
func (c *conn) dispatch(ctx context.Context, req *proto.Message) (string, bool) {
	switch req.Type {
	case proto.TypeSSRegister:
		return c.handleRegister(req), false
	case proto.TypeSSHeartbeat:
		return c.handleHeartbeat(req), false
	case proto.TypeSSCommit:
		return c.handleCommit(req), false
	case proto.TypeSSCheckpoint:
		return c.handleCheckpointNotice(req), false
	case proto.TypeLookup:
		return c.handleLookup(req), false
	case proto.TypeCreate:
		return c.handleCreate(req), false
	case proto.TypeDelete:
		return c.handleDelete(req), false
	case proto.TypeRestore:
		return c.handleRestore(req), false
	case proto.TypeEmptyTrash:
		return c.handleEmptyTrash(req), false
	case proto.TypeListTrash:
		return c.handleListTrash(req), false
	case proto.TypeRename:
		return c.handleRename(req), false
	case proto.TypeMove:
		return c.handleMove(req), false
	case proto.TypeMigrate:
		return c.handleMigrate(req), false
	case proto.TypeCreateFolder:
		return c.handleCreateFolder(req), false
	case proto.TypeViewFolder:
		return c.handleViewFolder(req), false
	case proto.TypeAddAccess:
		return c.handleAddAccess(req), false
	case proto.TypeRemAccess:
		return c.handleRemAccess(req), false
	case proto.TypeRequestAccess:
		return c.handleRequestAccess(req), false
	case proto.TypeViewRequests:
		return c.handleViewRequests(req), false
	case proto.TypeApproveAccess:
		return c.handleApproveAccess(req), false
	case proto.TypeDenyAccess:
		return c.handleDenyAccess(req), false
	case proto.TypeClientHello:
		return c.handleClientHello(req)
	case proto.TypeLogout, proto.TypeUserSetActive:
		return c.handleSetActive(req), false
	case proto.TypeListUsers:
		return c.handleListUsers(req), false
	case proto.TypeListSS:
		return c.handleListSS(req), false
	case proto.TypeStats:
		return c.handleStats(req), false
	case proto.TypeView:
		return c.handleView(req), false
	case proto.TypeInfo:
		return c.handleInfo(req), false
	case proto.TypeExec:
		return c.handleExec(ctx, req), false
	case proto.TypeDirSet:
		return c.handleDirSet(req), false
	default:
		logger.Warn("unknown request type", "type", req.Type, "peer", c.peer)
		return c.status(proto.StatusBadRequest), false
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

// userOf applies the anonymous fallback to the request's user field.
func userOf(req *proto.Message) string {
	if req.User == "" {
		return "anonymous"
	}
	return req.User
}

// --- storage-server facing handlers ---

func (c *conn) handleRegister(req *proto.Message) string {
	if req.SSID <= 0 || req.SSDataPort <= 0 {
		return c.status(proto.StatusBadRequest)
	}
	c.srv.reg.Register(req.SSID, c.peer, req.SSCtrlPort, req.SSDataPort)
	logger.Info("storage server registered", "ss_id", req.SSID, "addr", c.peer,
		"ctrl", req.SSCtrlPort, "data", req.SSDataPort)

	// A returning replica may have stale bytes; resync everything it holds.
	c.srv.resyncTo(req.SSID)
	return c.status(proto.StatusOK)
}

func (c *conn) handleHeartbeat(req *proto.Message) string {
	if req.SSID <= 0 {
		return c.status(proto.StatusBadRequest)
	}
	if cameUp := c.srv.reg.Heartbeat(req.SSID, c.peer); cameUp {
		logger.Info("storage server back up", "ss_id", req.SSID)
		c.srv.resyncTo(req.SSID)
	}
	return c.status(proto.StatusOK)
}

// handleCommit fans a committed file out to its replicas. Only the current
// primary triggers fan-out; a stale notification from a demoted server is
// acknowledged and ignored.
func (c *conn) handleCommit(req *proto.Message) string {
	if req.File == "" || req.SSID == 0 {
		return c.status(proto.StatusBadRequest)
	}
	entry, ok := c.srv.st.LookupCached(req.File)
	if !ok {
		return c.status(proto.StatusBadRequest)
	}
	if entry.SSID == req.SSID {
		c.fanOutContent(req.File, entry.SSID)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleCheckpointNotice(req *proto.Message) string {
	if req.File == "" || req.Name == "" || req.SSID == 0 {
		return c.status(proto.StatusBadRequest)
	}
	entry, ok := c.srv.st.LookupCached(req.File)
	if !ok {
		return c.status(proto.StatusBadRequest)
	}
	if entry.SSID == req.SSID {
		src, ok := c.srv.reg.Endpoint(entry.SSID)
		if ok {
			for _, id := range c.replicasOf(req.File) {
				if dst, ok := c.srv.reg.Endpoint(id); ok {
					c.srv.rep.PutCheckpoint(req.File, req.Name, src, dst)
				}
			}
		}
	}
	return c.status(proto.StatusOK)
}

func (c *conn) replicasOf(file string) []int {
	var out []int
	c.srv.st.View(func(st *state.State) {
		out = append(out, st.Replicas[file]...)
	})
	return out
}

// fanOutContent schedules PUT and PUT_UNDO of a file from its primary to
// every replica.
func (c *conn) fanOutContent(file string, primary int) {
	src, ok := c.srv.reg.Endpoint(primary)
	if !ok {
		return
	}
	for _, id := range c.replicasOf(file) {
		if dst, ok := c.srv.reg.Endpoint(id); ok {
			c.srv.rep.PutFile(file, src, dst)
			c.srv.rep.PutUndo(file, src, dst)
		}
	}
}

// fanOutCmd schedules a structural command to every replica of a file.
func (c *conn) fanOutCmd(cmdType, file, newFile string, replicas []int) {
	for _, id := range replicas {
		if dst, ok := c.srv.reg.Endpoint(id); ok {
			c.srv.rep.Cmd(cmdType, file, newFile, dst)
		}
	}
}

// --- LOOKUP ---

// lookupOps are the operations a client may request a ticket for.
// VIEWCHECKPOINT and LISTCHECKPOINTS are read-like: they require R; every
// other op mutates and requires W.
var lookupOps = map[string]bool{
	ticket.OpRead:            true,
	ticket.OpWrite:           true,
	ticket.OpUndo:            true,
	ticket.OpRevert:          true,
	ticket.OpCheckpoint:      true,
	ticket.OpViewCheckpoint:  true,
	ticket.OpListCheckpoints: true,
}

func readLike(op string) bool {
	return op == ticket.OpRead || op == ticket.OpViewCheckpoint || op == ticket.OpListCheckpoints
}

func (c *conn) handleLookup(req *proto.Message) string {
	if req.File == "" || !lookupOps[req.Op] {
		return c.status(proto.StatusBadRequest)
	}
	user := userOf(req)

	entry, ok := c.srv.st.LookupCached(req.File)
	if !ok {
		if req.Op != ticket.OpWrite {
			return c.status(proto.StatusNotFound)
		}
		return c.provisionAndGrant(req.File, user)
	}

	allowed := false
	c.srv.st.View(func(st *state.State) {
		if readLike(req.Op) {
			allowed = st.CanRead(req.File, user)
		} else {
			allowed = st.CanWrite(req.File, user)
		}
	})
	if !allowed {
		return c.status(proto.StatusNoAuth)
	}

	now := time.Now().Unix()
	switch req.Op {
	case ticket.OpRead:
		_ = c.srv.st.Mutate(func(st *state.State) error {
			if e := st.Lookup(req.File); e != nil {
				e.LastAccessedUser, e.LastAccessedTime = user, now
			}
			return nil
		})
	case ticket.OpWrite:
		_ = c.srv.st.Mutate(func(st *state.State) error {
			if e := st.Lookup(req.File); e != nil {
				e.LastModifiedUser, e.LastModifiedTime = user, now
			}
			return nil
		})
	}

	return c.sendTicket(req.File, req.Op, entry.SSID)
}

// provisionAndGrant auto-creates a file on a WRITE lookup for an unmapped
// name: pick the least loaded server, create there, own it to the caller,
// and seed a replica.
func (c *conn) provisionAndGrant(file, user string) string {
	primary, ok := c.srv.pickLeastLoaded()
	if !ok {
		return c.status(proto.StatusUnavailable)
	}
	if err := callData(primary, &proto.Message{Type: proto.TypeCreate, File: file}); err != nil {
		logger.Warn("auto-provision create failed", "file", file,
			"ss_id", primary.ID, "error", err)
		return c.status(proto.StatusUnavailable)
	}

	replicas := c.srv.pickReplicas(primary.ID)
	now := time.Now().Unix()
	err := c.srv.st.Mutate(func(st *state.State) error {
		e := st.SetMapping(file, primary.ID)
		st.SetOwner(file, user)
		e.LastModifiedUser, e.LastModifiedTime = user, now
		e.LastAccessedUser, e.LastAccessedTime = user, now
		if len(replicas) > 0 {
			st.Replicas[file] = replicas
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to persist auto-provisioned file", "file", file, "error", err)
	}
	c.fanOutCmd(proto.TypeCreate, file, "", replicas)

	return c.sendTicket(file, ticket.OpWrite, primary.ID)
}

// sendTicket answers a successful LOOKUP with the primary's endpoint and a
// fresh capability.
func (c *conn) sendTicket(file, op string, ssid int) string {
	ep, ok := c.srv.reg.Endpoint(ssid)
	if !ok {
		return c.status(proto.StatusUnavailable)
	}
	_ = c.send(&proto.Message{
		Status:     proto.StatusOK,
		SSAddr:     ep.Addr,
		SSDataPort: ep.DataPort,
		Ticket:     ticket.Build(file, op, ssid, ticket.DefaultTTL),
	})
	return proto.StatusOK
}
