package nm

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/nm/state"
	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ticket"
)

// execChunkSize is the output slice carried per stream frame.
const execChunkSize = 512

// handleExec runs a readable file as a shell script and streams its
// combined output back in chunks, terminated by a STOP frame carrying the
// exit code. The script runs inside the first live storage server's files
// directory when that directory is local, so relative paths in scripts
// resolve against stored documents.
func (c *conn) handleExec(ctx context.Context, req *proto.Message) string {
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

	resp, err := proto.Call(ep.Addr, ep.DataPort, &proto.Message{
		Type:   proto.TypeRead,
		File:   req.File,
		Ticket: ticket.Build(req.File, ticket.OpRead, ep.ID, ticket.DefaultTTL),
	})
	if err != nil {
		return c.status(proto.StatusUnavailable)
	}
	if !resp.OK() {
		return c.status(resp.Status)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-s")
	cmd.Stdin = strings.NewReader(resp.Body)
	if dir := c.execDir(); dir != "" {
		cmd.Dir = dir
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		logger.Error("exec start failed", "file", req.File, "error", err)
		return c.status(proto.StatusInternal)
	}
	_ = c.send(&proto.Message{Status: proto.StatusOK, Stream: proto.TypeExec})

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		_ = cmd.Wait()
		_ = pw.Close()
	}()

	buf := make([]byte, execChunkSize)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			if sendErr := c.send(&proto.Message{Status: proto.StatusOK, Chunk: string(buf[:n])}); sendErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	<-waitDone

	exit := -1
	if ps := cmd.ProcessState; ps != nil {
		exit = ps.ExitCode()
	}
	_ = c.send(&proto.Message{Status: proto.StatusStop, Exit: proto.IntPtr(exit)})
	return proto.StatusStop
}

// execDir locates a working directory for scripts: the files area of the
// lowest-id live storage server, when it shares a filesystem with the
// naming manager.
func (c *conn) execDir() string {
	for _, id := range c.srv.reg.UpIDs() {
		dir := filepath.Join("ss_data", fmt.Sprintf("ss%d", id), "files")
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
