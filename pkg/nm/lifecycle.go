package nm

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/nm/state"
	"github.com/docsplus/docstore/pkg/proto"
)

// trashName flattens a path into its trash form: .trash/<epoch>_<name with
// slashes replaced>.
func trashName(file string, when int64) string {
	return fmt.Sprintf(".trash/%d_%s", when, strings.ReplaceAll(file, "/", "_"))
}

func (c *conn) handleCreate(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	user := userOf(req)

	if _, exists := c.srv.st.LookupCached(req.File); exists {
		return c.status(proto.StatusConflict)
	}
	primary, ok := c.srv.pickLeastLoaded()
	if !ok {
		return c.status(proto.StatusUnavailable)
	}
	if err := callData(primary, &proto.Message{Type: proto.TypeCreate, File: req.File}); err != nil {
		return c.status(proto.StatusUnavailable)
	}

	replicas := c.srv.pickReplicas(primary.ID)
	now := time.Now().Unix()
	err := c.srv.st.Mutate(func(st *state.State) error {
		e := st.SetMapping(req.File, primary.ID)
		st.SetOwner(req.File, user)
		if req.PublicRead != 0 || req.PublicWrite != 0 {
			mode := "R"
			if req.PublicWrite != 0 {
				mode = "RW"
			}
			st.Grant(req.File, "anonymous", mode)
		}
		e.LastModifiedUser, e.LastModifiedTime = user, now
		e.LastAccessedUser, e.LastAccessedTime = user, now
		if len(replicas) > 0 {
			st.Replicas[req.File] = replicas
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to persist created file", "file", req.File, "error", err)
	}
	c.fanOutCmd(proto.TypeCreate, req.File, "", replicas)
	return c.status(proto.StatusOK)
}

// handleDelete soft-deletes: the file is renamed into the trash area on its
// primary, the mapping and ACL disappear, and a trash entry remembers how
// to restore it. The replica set survives the trash round-trip so a later
// RESTORE still fans out.
func (c *conn) handleDelete(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	user := userOf(req)

	entry, ok := c.srv.st.LookupCached(req.File)
	if !ok {
		return c.status(proto.StatusNotFound)
	}
	var owner string
	c.srv.st.View(func(st *state.State) { owner = st.Owner(req.File) })
	if owner == "" || owner != user {
		return c.status(proto.StatusNoAuth)
	}
	ep, ok := c.srv.reg.Endpoint(entry.SSID)
	if !ok {
		return c.status(proto.StatusUnavailable)
	}

	now := time.Now().Unix()
	trashed := trashName(req.File, now)
	resp, err := proto.Call(ep.Addr, ep.DataPort,
		&proto.Message{Type: proto.TypeRename, File: req.File, NewFile: trashed})
	if err != nil {
		return c.status(proto.StatusUnavailable)
	}
	if !resp.OK() {
		return c.status(resp.Status)
	}

	c.fanOutCmd(proto.TypeRename, req.File, trashed, c.replicasOf(req.File))
	err = c.srv.st.Mutate(func(st *state.State) error {
		delete(st.Directory, req.File)
		delete(st.ACLs, req.File)
		delete(st.Requests, req.File)
		st.AddTrash(proto.TrashEntry{
			File: req.File, Trashed: trashed, Owner: owner, SSID: entry.SSID, When: now,
		})
		return nil
	})
	if err != nil {
		logger.Error("failed to persist trash entry", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleRestore(req *proto.Message) string {
	if req.File == "" {
		return c.status(proto.StatusBadRequest)
	}
	user := userOf(req)

	if _, exists := c.srv.st.LookupCached(req.File); exists {
		return c.status(proto.StatusConflict)
	}
	var entry proto.TrashEntry
	found := false
	c.srv.st.View(func(st *state.State) {
		for _, e := range st.Trash {
			if e.File == req.File {
				entry, found = e, true
				return
			}
		}
	})
	if !found {
		return c.status(proto.StatusNotFound)
	}
	if entry.Owner != "" && entry.Owner != user {
		return c.status(proto.StatusNoAuth)
	}
	ep, ok := c.srv.reg.Endpoint(entry.SSID)
	if !ok {
		return c.status(proto.StatusUnavailable)
	}

	resp, err := proto.Call(ep.Addr, ep.DataPort,
		&proto.Message{Type: proto.TypeRename, File: entry.Trashed, NewFile: req.File})
	if err != nil {
		return c.status(proto.StatusUnavailable)
	}
	if !resp.OK() {
		return c.status(resp.Status)
	}

	err = c.srv.st.Mutate(func(st *state.State) error {
		st.TakeTrash(req.File)
		st.SetMapping(req.File, entry.SSID)
		if entry.Owner != "" {
			st.SetOwner(req.File, entry.Owner)
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to persist restore", "file", req.File, "error", err)
	}
	c.fanOutCmd(proto.TypeRename, entry.Trashed, req.File, c.replicasOf(req.File))
	return c.status(proto.StatusOK)
}

// handleEmptyTrash purges one named entry or everything the caller owns.
// Unreachable storage servers are skipped; purging is best-effort and the
// reply is always OK.
func (c *conn) handleEmptyTrash(req *proto.Message) string {
	user := userOf(req)

	var entries []proto.TrashEntry
	c.srv.st.View(func(st *state.State) {
		entries = append(entries, st.Trash...)
	})
	for _, e := range entries {
		if req.File != "" {
			if e.File != req.File {
				continue
			}
		} else if e.Owner != "" && e.Owner != user {
			continue
		}
		ep, ok := c.srv.reg.Endpoint(e.SSID)
		if !ok {
			continue
		}
		if _, err := proto.Call(ep.Addr, ep.DataPort,
			&proto.Message{Type: proto.TypeDelete, File: e.Trashed}); err != nil {
			continue
		}
		c.fanOutCmd(proto.TypeDelete, e.Trashed, "", c.replicasOf(e.File))
		file := e.File
		_ = c.srv.st.Mutate(func(st *state.State) error {
			st.TakeTrash(file)
			return nil
		})
	}
	return c.status(proto.StatusOK)
}

func (c *conn) handleListTrash(_ *proto.Message) string {
	trash := []proto.TrashEntry{}
	c.srv.st.View(func(st *state.State) {
		trash = append(trash, st.Trash...)
	})
	_ = c.send(&proto.Message{Status: proto.StatusOK, Trash: trash})
	return proto.StatusOK
}

func (c *conn) handleRename(req *proto.Message) string {
	if req.File == "" || req.NewFile == "" {
		return c.status(proto.StatusBadRequest)
	}
	return c.renameFile(req.File, req.NewFile, userOf(req))
}

// renameFile drives a single-file rename: SS first, then the state tables,
// then replica fan-out under the new key.
func (c *conn) renameFile(file, newFile, user string) string {
	entry, ok := c.srv.st.LookupCached(file)
	if !ok {
		return c.status(proto.StatusNotFound)
	}
	var canWrite bool
	c.srv.st.View(func(st *state.State) { canWrite = st.CanWrite(file, user) })
	if !canWrite {
		return c.status(proto.StatusNoAuth)
	}
	if _, exists := c.srv.st.LookupCached(newFile); exists {
		return c.status(proto.StatusConflict)
	}
	ep, ok := c.srv.reg.Endpoint(entry.SSID)
	if !ok {
		return c.status(proto.StatusUnavailable)
	}

	resp, err := proto.Call(ep.Addr, ep.DataPort,
		&proto.Message{Type: proto.TypeRename, File: file, NewFile: newFile})
	if err != nil {
		return c.status(proto.StatusUnavailable)
	}
	switch resp.Status {
	case proto.StatusOK:
	case proto.StatusConflict, proto.StatusNotFound:
		return c.status(resp.Status)
	default:
		return c.status(proto.StatusInternal)
	}

	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.RenameFile(file, newFile)
		return nil
	}); err != nil {
		logger.Error("failed to persist rename", "file", file, "error", err)
	}
	c.fanOutCmd(proto.TypeRename, file, newFile, c.replicasOf(newFile))
	return c.status(proto.StatusOK)
}

// handleMove moves a file or a whole folder prefix. A destination naming an
// existing folder means "into that folder"; otherwise it is the literal new
// name.
func (c *conn) handleMove(req *proto.Message) string {
	if req.Src == "" || req.Dst == "" {
		return c.status(proto.StatusBadRequest)
	}
	user := userOf(req)

	dst := strings.TrimRight(req.Dst, "/")
	var isFolder bool
	c.srv.st.View(func(st *state.State) { isFolder = st.HasFolder(dst) })

	finalDst := dst
	if isFolder {
		base := path.Base(req.Src)
		if dst == "" {
			finalDst = base
		} else {
			finalDst = dst + "/" + base
		}
	}
	if req.Src == finalDst {
		return c.status(proto.StatusOK)
	}

	if _, isFile := c.srv.st.LookupCached(req.Src); isFile {
		return c.renameFile(req.Src, finalDst, user)
	}
	return c.moveFolder(req.Src, finalDst)
}

// moveFolder rewrites every mapping under a folder prefix, renaming on each
// file's own primary. Any per-file failure makes the whole operation report
// ERR_INTERNAL; partial state is tolerated but never hidden.
func (c *conn) moveFolder(src, dst string) string {
	var files []string
	c.srv.st.View(func(st *state.State) { files = st.FilesUnder(src) })
	if len(files) == 0 {
		return c.status(proto.StatusNotFound)
	}

	failures := 0
	for _, file := range files {
		newFile := dst + strings.TrimPrefix(file, src)

		entry, ok := c.srv.st.LookupCached(file)
		if !ok {
			failures++
			continue
		}
		ep, ok := c.srv.reg.Endpoint(entry.SSID)
		if !ok {
			failures++
			continue
		}
		resp, err := proto.Call(ep.Addr, ep.DataPort,
			&proto.Message{Type: proto.TypeRename, File: file, NewFile: newFile})
		if err != nil || !resp.OK() {
			failures++
			continue
		}

		replicas := c.replicasOf(file)
		if err := c.srv.st.Mutate(func(st *state.State) error {
			st.RenameFile(file, newFile)
			return nil
		}); err != nil {
			logger.Error("failed to persist folder move", "file", file, "error", err)
		}
		c.fanOutCmd(proto.TypeRename, file, newFile, replicas)
	}

	_ = c.srv.st.Mutate(func(st *state.State) error {
		st.RenameFolder(src, dst)
		return nil
	})
	if failures > 0 {
		return c.status(proto.StatusInternal)
	}
	return c.status(proto.StatusOK)
}

// handleMigrate moves a file's bytes to an explicit target server and
// repoints the primary mapping.
func (c *conn) handleMigrate(req *proto.Message) string {
	if req.File == "" || req.TargetSSID == 0 {
		return c.status(proto.StatusBadRequest)
	}
	user := userOf(req)

	entry, ok := c.srv.st.LookupCached(req.File)
	if !ok {
		return c.status(proto.StatusNotFound)
	}
	if entry.SSID == req.TargetSSID {
		return c.status(proto.StatusOK)
	}
	var canWrite bool
	c.srv.st.View(func(st *state.State) { canWrite = st.CanWrite(req.File, user) })
	if !canWrite {
		return c.status(proto.StatusNoAuth)
	}

	src, srcOK := c.srv.reg.Endpoint(entry.SSID)
	dst, dstOK := c.srv.reg.Endpoint(req.TargetSSID)
	if !srcOK || !dstOK {
		return c.status(proto.StatusUnavailable)
	}

	body, err := fetchBody(req.File, src)
	if err != nil {
		return c.status(proto.StatusUnavailable)
	}
	if err := callData(dst, &proto.Message{Type: proto.TypePut, File: req.File, Body: body}); err != nil {
		return c.status(proto.StatusInternal)
	}
	// Best-effort removal at the source; a leftover copy is harmless.
	if _, err := proto.Call(src.Addr, src.DataPort,
		&proto.Message{Type: proto.TypeDelete, File: req.File}); err != nil {
		logger.Warn("migrate: source cleanup failed", "file", req.File, "error", err)
	}

	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.SetMapping(req.File, req.TargetSSID)
		return nil
	}); err != nil {
		logger.Error("failed to persist migration", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

// handleCreateFolder records the logical folder and mirrors it physically
// on one available storage server for listing convenience.
func (c *conn) handleCreateFolder(req *proto.Message) string {
	if req.Path == "" {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.AddFolder(req.Path)
		return nil
	}); err != nil {
		logger.Error("failed to persist folder", "path", req.Path, "error", err)
	}

	if ids := c.srv.reg.UpIDs(); len(ids) > 0 {
		if ep, ok := c.srv.reg.Endpoint(ids[0]); ok {
			if err := callData(ep, &proto.Message{Type: proto.TypeCreateFolder, Path: req.Path}); err != nil {
				logger.Warn("physical folder create failed", "path", req.Path, "error", err)
			}
		}
	}
	return c.status(proto.StatusOK)
}

// handleViewFolder lists a folder's immediate children. The root can be
// spelled "", "/" or "~" and is always echoed back as "~".
func (c *conn) handleViewFolder(req *proto.Message) string {
	prefix := req.Path
	label := prefix
	if prefix == "" || prefix == "/" || prefix == "~" {
		prefix, label = "", "~"
	}

	folders := []string{}
	files := []string{}
	c.srv.st.View(func(st *state.State) {
		seen := map[string]bool{}
		for _, f := range st.Folders {
			if seg, ok := childSegment(f, prefix); ok && !seen[seg] {
				seen[seg] = true
				folders = append(folders, seg)
			}
		}
		for file := range st.Directory {
			// Only immediate files; deeper entries belong to subfolders.
			if rest := restOf(file, prefix); rest != "" && !strings.Contains(rest, "/") {
				files = append(files, rest)
			}
		}
		sort.Strings(folders)
		sort.Strings(files)
	})

	_ = c.send(&proto.FolderListReply{
		Status: proto.StatusOK, Path: label, Folders: folders, Files: files,
	})
	return proto.StatusOK
}

// childSegment returns the first path segment of name below prefix.
func childSegment(name, prefix string) (string, bool) {
	rest := restOf(name, prefix)
	if rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], true
	}
	return rest, true
}

// restOf strips the folder prefix (and its slash) from name; "" means name
// is not under prefix or is the prefix itself.
func restOf(name, prefix string) string {
	if prefix == "" {
		return name
	}
	if !strings.HasPrefix(name, prefix+"/") {
		return ""
	}
	return strings.TrimPrefix(name, prefix+"/")
}

func (c *conn) handleDirSet(req *proto.Message) string {
	if req.File == "" || req.SSID == 0 {
		return c.status(proto.StatusBadRequest)
	}
	if err := c.srv.st.Mutate(func(st *state.State) error {
		st.SetMapping(req.File, req.SSID)
		return nil
	}); err != nil {
		logger.Error("failed to persist mapping", "file", req.File, "error", err)
	}
	return c.status(proto.StatusOK)
}

// sortedFiles enumerates the directory deterministically for VIEW.
func sortedFiles(st *state.State) []string {
	files := make([]string, 0, len(st.Directory))
	for f := range st.Directory {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
