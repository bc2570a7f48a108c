package nm

import (
	"strings"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/nm/state"
	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ticket"
)

// normalizeMode collapses a requested mode to "R" or "W".
func normalizeMode(mode string) string {
	if strings.HasPrefix(mode, "W") {
		return "W"
	}
	return "R"
}

func (c *conn) handleAddAccess(req *proto.Message) string {
	if req.File == "" || req.User == "" || req.Mode == "" {
		return c.status(proto.StatusBadRequest)
	}
	mode := "R"
	switch req.Mode {
	case "RW":
		mode = "RW"
	case "W":
		mode = "W"
	}
	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.Grant(req.File, req.User, mode)
		return nil
	}); err != nil {
		logger.Error("failed to persist grant", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleRemAccess(req *proto.Message) string {
	if req.File == "" || req.User == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.Revoke(req.File, req.User)
		return nil
	}); err != nil {
		logger.Error("failed to persist revoke", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleRequestAccess(req *proto.Message) string {
	if req.File == "" || req.User == "" {
		return c.status(proto.StatusBadRequest)
	}
	if _, exists := c.srv.st.LookupCached(req.File); !exists {
		return c.status(proto.StatusNotFound)
	}
	mode := normalizeMode(req.Mode)
	duplicate := false
	err := c.srv.st.Mutate(func(st *state.State) error {
		if !st.AddRequest(req.File, req.User, mode) {
			duplicate = true
			return errNoChange
		}
		return nil
	})
	if duplicate {
		return c.status(proto.StatusConflict)
	}
	if err != nil {
		logger.Error("failed to persist access request", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

// isOwner checks the caller against the file's ACL owner; files without an
// ACL have no owner and fail the check.
func (c *conn) isOwner(file, user string) bool {
	var ok bool
	c.srv.st.View(func(st *state.State) {
		owner := st.Owner(file)
		ok = owner != "" && owner == user
	})
	return ok
}

func (c *conn) handleViewRequests(req *proto.Message) string {
	if req.File == "" || req.User == "" {
		return c.status(proto.StatusBadRequest)
	}
	if !c.isOwner(req.File, req.User) {
		return c.status(proto.StatusNoAuth)
	}
	requests := []proto.AccessRequest{}
	c.srv.st.View(func(st *state.State) {
		requests = append(requests, st.Requests[req.File]...)
	})
	_ = c.send(&proto.Message{Status: proto.StatusOK, Requests: requests})
	return proto.StatusOK
}

func (c *conn) handleApproveAccess(req *proto.Message) string {
	if req.File == "" || req.User == "" || req.Target == "" {
		return c.status(proto.StatusBadRequest)
	}
	if !c.isOwner(req.File, req.User) {
		return c.status(proto.StatusNoAuth)
	}
	// Approving a write request grants the full RW pair.
	mode := "R"
	if req.Mode == "W" || req.Mode == "RW" {
		mode = "RW"
	}
	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.Grant(req.File, req.Target, mode)
		return nil
	}); err != nil {
		logger.Error("failed to persist approval", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleDenyAccess(req *proto.Message) string {
	if req.File == "" || req.User == "" || req.Target == "" {
		return c.status(proto.StatusBadRequest)
	}
	if !c.isOwner(req.File, req.User) {
		return c.status(proto.StatusNoAuth)
	}
	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.ClearRequest(req.File, req.Target)
		return nil
	}); err != nil {
		logger.Error("failed to persist denial", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

// --- user sessions ---

// handleClientHello claims a user session. A second hello for an active
// user is refused and the connection closed, so one user drives at most one
// shell at a time.
func (c *conn) handleClientHello(req *proto.Message) (string, bool) {
	if req.User == "" {
		return c.status(proto.StatusOK), false
	}
	conflict := false
	err := c.srv.st.Mutate(func(st *state.State) error {
		if st.IsActive(req.User) {
			conflict = true
			return errNoChange
		}
		st.SetActive(req.User, true)
		return nil
	})
	if conflict {
		return c.statusMsg(proto.StatusConflict, "user-already-active"), true
	}
	if err != nil {
		logger.Error("failed to persist session", "user", req.User, "error", err)
	}
	logger.Info("user session started", "user", req.User, "peer", c.peer)
	return c.status(proto.StatusOK), false
}

// handleSetActive serves both LOGOUT and USER_SET_ACTIVE; LOGOUT is the
// active=0 case.
func (c *conn) handleSetActive(req *proto.Message) string {
	if req.User == "" {
		return c.status(proto.StatusBadRequest)
	}
	active := false
	if req.Type == proto.TypeUserSetActive && req.Active != nil {
		active = *req.Active != 0
	}
	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.SetActive(req.User, active)
		return nil
	}); err != nil {
		logger.Error("failed to persist session flag", "user", req.User, "error", err)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleListUsers(_ *proto.Message) string {
	reply := proto.UserListReply{Status: proto.StatusOK, Active: []string{}, Inactive: []string{}}
	c.srv.st.View(func(st *state.State) {
		reply.Active = append(reply.Active, st.Active...)
		reply.Inactive = append(reply.Inactive, st.InactiveUsers()...)
	})
	_ = c.send(&reply)
	return proto.StatusOK
}

func (c *conn) handleListSS(_ *proto.Message) string {
	_ = c.send(&proto.Message{Status: proto.StatusOK, Servers: c.srv.reg.List()})
	return proto.StatusOK
}

func (c *conn) handleStats(_ *proto.Message) string {
	files := 0
	c.srv.st.View(func(st *state.State) { files = len(st.Directory) })
	_ = c.send(&proto.StatsReply{
		Status: proto.StatusOK,
		Files:  files,
		// Sentence locks live on the storage servers; the naming manager
		// cannot count them.
		ActiveLocks:      -1,
		ReplicationQueue: c.srv.rep.Pending(),
	})
	return proto.StatusOK
}

// --- info and view ---

// statFromSS queries a storage server's INFO for a file using a ticket for
// op.
func (c *conn) statFromSS(file, op string, ep Endpoint) (*proto.Message, error) {
	return proto.Call(ep.Addr, ep.DataPort, &proto.Message{
		Type:   proto.TypeInfo,
		File:   file,
		Ticket: ticket.Build(file, op, ep.ID, ticket.DefaultTTL),
	})
}

func (c *conn) handleInfo(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	user := userOf(req)

	entry, ok := c.srv.st.LookupCached(req.File)
	if !ok {
		return c.status(proto.StatusNotFound)
	}
	var canRead bool
	c.srv.st.View(func(st *state.State) { canRead = st.CanRead(req.File, user) })
	if !canRead {
		return c.status(proto.StatusNoAuth)
	}
	ep, ok := c.srv.reg.Endpoint(entry.SSID)
	if !ok {
		return c.status(proto.StatusUnavailable)
	}

	stat, err := c.statFromSS(req.File, ticket.OpRead, ep)
	if err != nil {
		return c.status(proto.StatusUnavailable)
	}
	if !stat.OK() {
		return c.status(stat.Status)
	}

	reply := proto.FileInfoReply{
		Status: proto.StatusOK,
		File:   req.File,
		Size:   stat.Size,
		Words:  stat.Words,
		Chars:  stat.Chars,
		Mtime:  stat.Mtime,
		Atime:  stat.Atime,
	}
	c.srv.st.View(func(st *state.State) {
		reply.Owner = st.Owner(req.File)
		reply.Access = st.AccessSummary(req.File)
		if e := st.Lookup(req.File); e != nil {
			reply.LastModifiedUser = e.LastModifiedUser
			reply.LastModifiedTime = e.LastModifiedTime
			reply.LastAccessedUser = e.LastAccessedUser
			reply.LastAccessedTime = e.LastAccessedTime
		}
	})
	_ = c.send(&reply)
	return proto.StatusOK
}

// handleView lists files. Without -a only files the caller can read or
// write; with -l each listed file carries stats fetched from its primary
// (best-effort: an unreachable primary yields zeros).
func (c *conn) handleView(req *proto.Message) string {
	user := userOf(req)
	all := strings.ContainsRune(req.Flags, 'a')
	detailed := strings.ContainsRune(req.Flags, 'l')

	type viewRow struct {
		file    string
		ssid    int
		canRead bool
		canWrit bool
		owner   string
	}
	var rows []viewRow
	c.srv.st.View(func(st *state.State) {
		for _, file := range sortedFiles(st) {
			row := viewRow{
				file:    file,
				ssid:    st.Directory[file].SSID,
				canRead: st.CanRead(file, user),
				canWrit: st.CanWrite(file, user),
				owner:   st.Owner(file),
			}
			if !all && !row.canRead && !row.canWrit {
				continue
			}
			rows = append(rows, row)
		}
	})

	if !detailed {
		files := make([]string, 0, len(rows))
		for _, row := range rows {
			files = append(files, row.file)
		}
		_ = c.send(&proto.Message{Status: proto.StatusOK, Files: files})
		return proto.StatusOK
	}

	details := make([]proto.FileDetail, 0, len(rows))
	for _, row := range rows {
		d := proto.FileDetail{Name: row.file, Owner: row.owner}
		if row.canRead || row.canWrit {
			if ep, ok := c.srv.reg.Endpoint(row.ssid); ok {
				op := ticket.OpRead
				if !row.canRead {
					op = ticket.OpWrite
				}
				if stat, err := c.statFromSS(row.file, op, ep); err == nil && stat.OK() {
					d.Size, d.Words, d.Chars = stat.Size, stat.Words, stat.Chars
					d.Mtime, d.Atime = stat.Mtime, stat.Atime
				}
			}
		}
		details = append(details, d)
	}
	_ = c.send(&proto.Message{Status: proto.StatusOK, Details: details})
	return proto.StatusOK
}
