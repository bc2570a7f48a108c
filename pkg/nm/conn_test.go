package nm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docsplus/docstore/pkg/config"
	"github.com/docsplus/docstore/pkg/metrics"
	"github.com/docsplus/docstore/pkg/nm/state"
	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ticket"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.NMConfig{
		Port:             9000,
		StateFile:        filepath.Join(t.TempDir(), "nm_state.json"),
		ReplicaTarget:    1,
		HeartbeatTimeout: 6 * time.Second,
		MonitorInterval:  time.Second,
		ShutdownTimeout:  time.Second,
	}
	s, err := New(cfg, metrics.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// fakeSS is a scripted storage server data listener. It records every
// request and answers via the handler (nil handler answers plain OK).
type fakeSS struct {
	ln      net.Listener
	handler func(req *proto.Message) any

	mu   sync.Mutex
	reqs []proto.Message
}

func startFakeSS(t *testing.T, handler func(req *proto.Message) any) *fakeSS {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSS{ln: ln, handler: handler}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(nc)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeSS) serve(nc net.Conn) {
	defer nc.Close()
	for {
		req, err := proto.ReadMessage(nc)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.reqs = append(f.reqs, *req)
		f.mu.Unlock()

		var resp any = &proto.Message{Status: proto.StatusOK}
		if f.handler != nil {
			if r := f.handler(req); r != nil {
				resp = r
			}
		}
		if err := proto.WriteValue(nc, resp); err != nil {
			return
		}
	}
}

func (f *fakeSS) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSS) requests() []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Message, len(f.reqs))
	copy(out, f.reqs)
	return out
}

// firstOf returns the first recorded request of the given type.
func (f *fakeSS) firstOf(typ string) (proto.Message, bool) {
	for _, r := range f.requests() {
		if r.Type == typ {
			return r, true
		}
	}
	return proto.Message{}, false
}

// register wires the fake into the server's registry under id.
func (f *fakeSS) register(s *Server, id int) {
	s.reg.Register(id, "127.0.0.1", 0, f.port())
}

// testConn drives the dispatch loop over an in-memory buffer.
type testConn struct {
	c   *conn
	buf *bytes.Buffer
}

func newTestConn(s *Server) *testConn {
	buf := &bytes.Buffer{}
	return &testConn{c: &conn{srv: s, sock: buf, peer: "127.0.0.1"}, buf: buf}
}

func (tc *testConn) roundtrip(t *testing.T, req *proto.Message) *proto.Message {
	t.Helper()
	tc.c.dispatch(context.Background(), req)
	resp, err := proto.ReadMessage(tc.buf)
	if err != nil {
		t.Fatalf("no response frame: %v", err)
	}
	return resp
}

// readInto decodes the next frame into a reply type other than Message.
func readInto(r io.Reader, v any) error {
	payload, err := proto.ReadFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// seedFile installs a mapping and owner directly in the state store.
func seedFile(t *testing.T, s *Server, file string, ssid int, owner string) {
	t.Helper()
	err := s.st.Mutate(func(st *state.State) error {
		st.SetMapping(file, ssid)
		if owner != "" {
			st.SetOwner(file, owner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed %s: %v", file, err)
	}
}

func TestLookupValidation(t *testing.T) {
	s := newTestServer(t)
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeLookup, File: "a.txt", Op: "DESTROY"})
	if resp.Status != proto.StatusBadRequest {
		t.Errorf("LOOKUP bad op = %s, want ERR_BADREQ", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeLookup, Op: ticket.OpRead})
	if resp.Status != proto.StatusBadRequest {
		t.Errorf("LOOKUP without file = %s, want ERR_BADREQ", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeLookup, File: "a.txt", Op: ticket.OpRead})
	if resp.Status != proto.StatusNotFound {
		t.Errorf("LOOKUP READ unmapped = %s, want ERR_NOTFOUND", resp.Status)
	}
}

func TestLookupAutoProvision(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{
		Type: proto.TypeLookup, File: "new.txt", Op: ticket.OpWrite, User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("LOOKUP WRITE unmapped = %s, want OK", resp.Status)
	}
	if resp.SSAddr != "127.0.0.1" || resp.SSDataPort != ss1.port() {
		t.Errorf("endpoint = %s:%d, want 127.0.0.1:%d", resp.SSAddr, resp.SSDataPort, ss1.port())
	}
	if err := ticket.Validate(resp.Ticket, "new.txt", ticket.OpWrite, 1); err != nil {
		t.Errorf("issued ticket invalid: %v", err)
	}
	if _, ok := ss1.firstOf(proto.TypeCreate); !ok {
		t.Error("primary never saw CREATE")
	}

	s.st.View(func(st *state.State) {
		e := st.Lookup("new.txt")
		if e == nil || e.SSID != 1 {
			t.Fatalf("mapping = %+v", e)
		}
		if st.Owner("new.txt") != "alice" {
			t.Errorf("owner = %q", st.Owner("new.txt"))
		}
		if e.LastModifiedUser != "alice" || e.LastModifiedTime == 0 {
			t.Errorf("creation metadata = %+v", e)
		}
	})
}

func TestLookupACLMatrix(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	seedFile(t, s, "doc.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.Grant("doc.txt", "bob", "R")
		return nil
	})
	tc := newTestConn(s)

	cases := []struct {
		user, op, want string
	}{
		{"alice", ticket.OpWrite, proto.StatusOK},
		{"bob", ticket.OpRead, proto.StatusOK},
		{"bob", ticket.OpViewCheckpoint, proto.StatusOK},
		{"bob", ticket.OpWrite, proto.StatusNoAuth},
		{"bob", ticket.OpCheckpoint, proto.StatusNoAuth},
		{"", ticket.OpRead, proto.StatusNoAuth},
	}
	for _, tt := range cases {
		resp := tc.roundtrip(t, &proto.Message{
			Type: proto.TypeLookup, File: "doc.txt", Op: tt.op, User: tt.user})
		if resp.Status != tt.want {
			t.Errorf("LOOKUP %s as %q = %s, want %s", tt.op, tt.user, resp.Status, tt.want)
		}
	}

	// READ tracks access, WRITE tracks modification.
	s.st.View(func(st *state.State) {
		e := st.Lookup("doc.txt")
		if e.LastAccessedUser != "bob" {
			t.Errorf("last accessed = %q, want bob", e.LastAccessedUser)
		}
		if e.LastModifiedUser != "alice" {
			t.Errorf("last modified = %q, want alice", e.LastModifiedUser)
		}
	})
}

func TestCreateConflictAndPublicGrants(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{
		Type: proto.TypeCreate, File: "pub.txt", User: "alice", PublicWrite: 1})
	if resp.Status != proto.StatusOK {
		t.Fatalf("CREATE = %s, want OK", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeCreate, File: "pub.txt", User: "alice"})
	if resp.Status != proto.StatusConflict {
		t.Errorf("duplicate CREATE = %s, want ERR_CONFLICT", resp.Status)
	}

	// publicWrite grants the anonymous fallback RW, so a stranger gets a
	// WRITE ticket.
	resp = tc.roundtrip(t, &proto.Message{
		Type: proto.TypeLookup, File: "pub.txt", Op: ticket.OpWrite, User: "mallory"})
	if resp.Status != proto.StatusOK {
		t.Errorf("stranger WRITE on public file = %s, want OK", resp.Status)
	}
}

func TestCreateWithoutStorage(t *testing.T) {
	s := newTestServer(t)
	tc := newTestConn(s)
	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeCreate, File: "a.txt", User: "alice"})
	if resp.Status != proto.StatusUnavailable {
		t.Errorf("CREATE with no storage = %s, want ERR_UNAVAILABLE", resp.Status)
	}
}

func TestDeleteRestoreRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	seedFile(t, s, "doc.txt", 1, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeDelete, File: "doc.txt", User: "bob"})
	if resp.Status != proto.StatusNoAuth {
		t.Fatalf("DELETE by non-owner = %s, want ERR_NOAUTH", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeDelete, File: "doc.txt", User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("DELETE = %s, want OK", resp.Status)
	}

	ren, ok := ss1.firstOf(proto.TypeRename)
	if !ok || !strings.HasPrefix(ren.NewFile, ".trash/") {
		t.Errorf("primary rename = %+v", ren)
	}
	var trashed string
	s.st.View(func(st *state.State) {
		if st.Lookup("doc.txt") != nil {
			t.Error("mapping survived delete")
		}
		if len(st.Trash) != 1 {
			t.Fatalf("trash = %+v", st.Trash)
		}
		trashed = st.Trash[0].Trashed
	})

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRestore, File: "doc.txt", User: "bob"})
	if resp.Status != proto.StatusNoAuth {
		t.Fatalf("RESTORE by non-owner = %s, want ERR_NOAUTH", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRestore, File: "doc.txt", User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("RESTORE = %s, want OK", resp.Status)
	}

	found := false
	for _, r := range ss1.requests() {
		if r.Type == proto.TypeRename && r.File == trashed && r.NewFile == "doc.txt" {
			found = true
		}
	}
	if !found {
		t.Error("primary never saw the restoring rename")
	}
	s.st.View(func(st *state.State) {
		if e := st.Lookup("doc.txt"); e == nil || e.SSID != 1 {
			t.Errorf("mapping after restore = %+v", e)
		}
		if st.Owner("doc.txt") != "alice" {
			t.Errorf("owner after restore = %q", st.Owner("doc.txt"))
		}
		if len(st.Trash) != 0 {
			t.Errorf("trash after restore = %+v", st.Trash)
		}
	})
}

func TestEmptyTrashPurges(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	seedFile(t, s, "doc.txt", 1, "alice")
	seedFile(t, s, "other.txt", 1, "bob")
	tc := newTestConn(s)

	tc.roundtrip(t, &proto.Message{Type: proto.TypeDelete, File: "doc.txt", User: "alice"})
	tc.roundtrip(t, &proto.Message{Type: proto.TypeDelete, File: "other.txt", User: "bob"})

	// Purging as alice must leave bob's entry alone.
	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeEmptyTrash, User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("EMPTYTRASH = %s, want OK", resp.Status)
	}
	s.st.View(func(st *state.State) {
		if len(st.Trash) != 1 || st.Trash[0].Owner != "bob" {
			t.Errorf("trash after purge = %+v", st.Trash)
		}
	})
	if _, ok := ss1.firstOf(proto.TypeDelete); !ok {
		t.Error("primary never saw DELETE of the trashed copy")
	}
}

func TestRenameSemantics(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss2 := startFakeSS(t, nil)
	ss1.register(s, 1)
	ss2.register(s, 2)
	seedFile(t, s, "a.txt", 1, "alice")
	seedFile(t, s, "taken.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.Replicas["a.txt"] = []int{2}
		return nil
	})
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeRename, File: "a.txt"})
	if resp.Status != proto.StatusBadRequest {
		t.Errorf("RENAME without newFile = %s, want ERR_BADREQ", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRename,
		File: "ghost.txt", NewFile: "b.txt", User: "alice"})
	if resp.Status != proto.StatusNotFound {
		t.Errorf("RENAME unmapped = %s, want ERR_NOTFOUND", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRename,
		File: "a.txt", NewFile: "b.txt", User: "mallory"})
	if resp.Status != proto.StatusNoAuth {
		t.Errorf("RENAME without W = %s, want ERR_NOAUTH", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRename,
		File: "a.txt", NewFile: "taken.txt", User: "alice"})
	if resp.Status != proto.StatusConflict {
		t.Errorf("RENAME onto mapped name = %s, want ERR_CONFLICT", resp.Status)
	}

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRename,
		File: "a.txt", NewFile: "b.txt", User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("RENAME = %s, want OK", resp.Status)
	}
	s.rep.Wait()

	s.st.View(func(st *state.State) {
		if st.Lookup("a.txt") != nil || st.Lookup("b.txt") == nil {
			t.Error("state rename incomplete")
		}
		if st.Owner("b.txt") != "alice" {
			t.Error("ACL not carried by rename")
		}
	})
	if ren, ok := ss2.firstOf(proto.TypeRename); !ok || ren.NewFile != "b.txt" {
		t.Errorf("replica fan-out = %+v, %v", ren, ok)
	}
}

func TestMoveFileIntoFolder(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	seedFile(t, s, "a.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.AddFolder("docs")
		return nil
	})
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeMove,
		Src: "a.txt", Dst: "docs/", User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("MOVE into folder = %s, want OK", resp.Status)
	}
	s.st.View(func(st *state.State) {
		if st.Lookup("docs/a.txt") == nil {
			t.Error("file not moved under folder")
		}
	})
}

func TestMoveFolderPrefix(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	seedFile(t, s, "docs/a.txt", 1, "alice")
	seedFile(t, s, "docs/sub/b.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.AddFolder("docs/sub")
		return nil
	})
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeMove,
		Src: "docs", Dst: "papers", User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("MOVE folder = %s, want OK", resp.Status)
	}
	s.st.View(func(st *state.State) {
		if st.Lookup("papers/a.txt") == nil || st.Lookup("papers/sub/b.txt") == nil {
			t.Error("mappings not rewritten under new prefix")
		}
		if !st.HasFolder("papers/sub") || st.HasFolder("docs/sub") {
			t.Errorf("folders = %v", st.Folders)
		}
	})

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeMove,
		Src: "ghost", Dst: "elsewhere", User: "alice"})
	if resp.Status != proto.StatusNotFound {
		t.Errorf("MOVE of unknown prefix = %s, want ERR_NOTFOUND", resp.Status)
	}
}

func TestMoveFolderReportsPartialFailure(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		if req.Type == proto.TypeRename && req.File == "docs/bad.txt" {
			return &proto.Message{Status: proto.StatusInternal}
		}
		return nil
	})
	ss1.register(s, 1)
	seedFile(t, s, "docs/ok.txt", 1, "alice")
	seedFile(t, s, "docs/bad.txt", 1, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeMove,
		Src: "docs", Dst: "papers", User: "alice"})
	if resp.Status != proto.StatusInternal {
		t.Fatalf("MOVE with failing rename = %s, want ERR_INTERNAL", resp.Status)
	}
	// Partial state is tolerated: the good file moved, the bad one stayed.
	s.st.View(func(st *state.State) {
		if st.Lookup("papers/ok.txt") == nil || st.Lookup("docs/bad.txt") == nil {
			t.Error("partial move state unexpected")
		}
	})
}

func TestMigrateMovesPrimary(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		if req.Type == proto.TypeRead {
			return &proto.Message{Status: proto.StatusOK, Body: "payload"}
		}
		return nil
	})
	ss2 := startFakeSS(t, nil)
	ss1.register(s, 1)
	ss2.register(s, 2)
	seedFile(t, s, "doc.txt", 1, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeMigrate,
		File: "doc.txt", TargetSSID: 1, User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("MIGRATE to current primary = %s, want OK", resp.Status)
	}

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeMigrate,
		File: "doc.txt", TargetSSID: 2, User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("MIGRATE = %s, want OK", resp.Status)
	}
	put, ok := ss2.firstOf(proto.TypePut)
	if !ok || put.Body != "payload" {
		t.Errorf("destination PUT = %+v, %v", put, ok)
	}
	if _, ok := ss1.firstOf(proto.TypeDelete); !ok {
		t.Error("source never saw cleanup DELETE")
	}
	s.st.View(func(st *state.State) {
		if e := st.Lookup("doc.txt"); e == nil || e.SSID != 2 {
			t.Errorf("mapping after migrate = %+v", e)
		}
	})
}

func TestFoldersCreateAndView(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss1.register(s, 1)
	seedFile(t, s, "notes.txt", 1, "alice")
	seedFile(t, s, "docs/a.txt", 1, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeCreateFolder, Path: "docs/archive"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("CREATEFOLDER = %s, want OK", resp.Status)
	}
	if _, ok := ss1.firstOf(proto.TypeCreateFolder); !ok {
		t.Error("physical folder create never reached storage")
	}

	tc.c.dispatch(context.Background(), &proto.Message{Type: proto.TypeViewFolder, Path: "~"})
	var root proto.FolderListReply
	if err := readInto(tc.buf, &root); err != nil {
		t.Fatal(err)
	}
	if root.Path != "~" {
		t.Errorf("root label = %q, want ~", root.Path)
	}
	if len(root.Folders) != 1 || root.Folders[0] != "docs" {
		t.Errorf("root folders = %v, want [docs]", root.Folders)
	}
	if len(root.Files) != 1 || root.Files[0] != "notes.txt" {
		t.Errorf("root files = %v, want [notes.txt]", root.Files)
	}

	tc.c.dispatch(context.Background(), &proto.Message{Type: proto.TypeViewFolder, Path: "docs"})
	var docs proto.FolderListReply
	if err := readInto(tc.buf, &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs.Folders) != 1 || docs.Folders[0] != "archive" {
		t.Errorf("docs folders = %v, want [archive]", docs.Folders)
	}
	if len(docs.Files) != 1 || docs.Files[0] != "a.txt" {
		t.Errorf("docs files = %v, want [a.txt]", docs.Files)
	}
}

func TestAccessRequestLifecycle(t *testing.T) {
	s := newTestServer(t)
	seedFile(t, s, "doc.txt", 1, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeRequestAccess,
		File: "ghost.txt", User: "bob"})
	if resp.Status != proto.StatusNotFound {
		t.Errorf("REQUEST_ACCESS on unmapped = %s, want ERR_NOTFOUND", resp.Status)
	}

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRequestAccess,
		File: "doc.txt", User: "bob", Mode: "W"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("REQUEST_ACCESS = %s, want OK", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRequestAccess,
		File: "doc.txt", User: "bob", Mode: "R"})
	if resp.Status != proto.StatusConflict {
		t.Errorf("duplicate request = %s, want ERR_CONFLICT", resp.Status)
	}

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeViewRequests,
		File: "doc.txt", User: "bob"})
	if resp.Status != proto.StatusNoAuth {
		t.Errorf("VIEWREQUESTS by non-owner = %s, want ERR_NOAUTH", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeViewRequests,
		File: "doc.txt", User: "alice"})
	if resp.Status != proto.StatusOK || len(resp.Requests) != 1 || resp.Requests[0].Mode != "W" {
		t.Errorf("VIEWREQUESTS = %s %+v", resp.Status, resp.Requests)
	}

	// Approving a W request grants the full RW pair and clears the queue.
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeApproveAccess,
		File: "doc.txt", User: "alice", Target: "bob", Mode: "W"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("APPROVE_ACCESS = %s, want OK", resp.Status)
	}
	s.st.View(func(st *state.State) {
		if !st.CanRead("doc.txt", "bob") || !st.CanWrite("doc.txt", "bob") {
			t.Error("approval did not grant RW")
		}
		if _, pending := st.RequestFor("doc.txt", "bob"); pending {
			t.Error("request survived approval")
		}
	})

	// Deny only clears; no grant appears.
	tc.roundtrip(t, &proto.Message{Type: proto.TypeRequestAccess,
		File: "doc.txt", User: "carol", Mode: "R"})
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeDenyAccess,
		File: "doc.txt", User: "alice", Target: "carol"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("DENY_ACCESS = %s, want OK", resp.Status)
	}
	s.st.View(func(st *state.State) {
		if st.CanRead("doc.txt", "carol") {
			t.Error("denial granted access")
		}
	})
}

func TestAddRemAccess(t *testing.T) {
	s := newTestServer(t)
	seedFile(t, s, "doc.txt", 1, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeAddAccess,
		File: "doc.txt", User: "bob", Mode: "RW"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("ADDACCESS = %s, want OK", resp.Status)
	}
	s.st.View(func(st *state.State) {
		if !st.CanWrite("doc.txt", "bob") {
			t.Error("grant missing after ADDACCESS")
		}
	})

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeRemAccess,
		File: "doc.txt", User: "bob"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("REMACCESS = %s, want OK", resp.Status)
	}
	s.st.View(func(st *state.State) {
		if st.CanRead("doc.txt", "bob") {
			t.Error("grant survived REMACCESS")
		}
	})
}

func TestUserSessions(t *testing.T) {
	s := newTestServer(t)
	tc := newTestConn(s)

	status, stop := tc.c.dispatch(context.Background(),
		&proto.Message{Type: proto.TypeClientHello, User: "alice"})
	if status != proto.StatusOK || stop {
		t.Fatalf("first hello = %s stop=%v", status, stop)
	}
	tc.buf.Reset()

	status, stop = tc.c.dispatch(context.Background(),
		&proto.Message{Type: proto.TypeClientHello, User: "alice"})
	if status != proto.StatusConflict || !stop {
		t.Fatalf("second hello = %s stop=%v, want ERR_CONFLICT and close", status, stop)
	}
	var rej proto.Message
	if err := readInto(tc.buf, &rej); err != nil || rej.Msg != "user-already-active" {
		t.Errorf("rejection = %+v, %v", rej, err)
	}

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeLogout, User: "alice"})
	if resp.Status != proto.StatusOK {
		t.Fatalf("LOGOUT = %s, want OK", resp.Status)
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeUserSetActive,
		User: "bob", Active: proto.IntPtr(1)})
	if resp.Status != proto.StatusOK {
		t.Fatalf("USER_SET_ACTIVE = %s, want OK", resp.Status)
	}

	tc.c.dispatch(context.Background(), &proto.Message{Type: proto.TypeListUsers})
	var users proto.UserListReply
	if err := readInto(tc.buf, &users); err != nil {
		t.Fatal(err)
	}
	if len(users.Active) != 1 || users.Active[0] != "bob" {
		t.Errorf("active = %v, want [bob]", users.Active)
	}
	if len(users.Inactive) != 1 || users.Inactive[0] != "alice" {
		t.Errorf("inactive = %v, want [alice]", users.Inactive)
	}
}

func TestListSSAndStats(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, nil)
	ss2 := startFakeSS(t, nil)
	ss2.register(s, 2)
	ss1.register(s, 1)
	seedFile(t, s, "a.txt", 1, "alice")
	seedFile(t, s, "b.txt", 2, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeListSS})
	if resp.Status != proto.StatusOK || len(resp.Servers) != 2 {
		t.Fatalf("LIST_SS = %s %+v", resp.Status, resp.Servers)
	}
	if resp.Servers[0].ID != 1 || !resp.Servers[0].Up {
		t.Errorf("servers not sorted by id: %+v", resp.Servers)
	}

	tc.c.dispatch(context.Background(), &proto.Message{Type: proto.TypeStats})
	var stats proto.StatsReply
	if err := readInto(tc.buf, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Files != 2 || stats.ActiveLocks != -1 {
		t.Errorf("STATS = %+v", stats)
	}
}

func TestInfoCombinesStorageAndState(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		if req.Type == proto.TypeInfo {
			return &proto.StatReply{Status: proto.StatusOK, Size: 12, Words: 2, Chars: 12, Mtime: 100, Atime: 200}
		}
		return nil
	})
	ss1.register(s, 1)
	seedFile(t, s, "doc.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.Grant("doc.txt", "bob", "R")
		return nil
	})
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeInfo, File: "doc.txt", User: "mallory"})
	if resp.Status != proto.StatusNoAuth {
		t.Fatalf("INFO without R = %s, want ERR_NOAUTH", resp.Status)
	}

	tc.c.dispatch(context.Background(), &proto.Message{Type: proto.TypeInfo, File: "doc.txt", User: "bob"})
	var info proto.FileInfoReply
	if err := readInto(tc.buf, &info); err != nil {
		t.Fatal(err)
	}
	if info.Status != proto.StatusOK || info.Size != 12 || info.Words != 2 {
		t.Errorf("INFO stats = %+v", info)
	}
	if info.Owner != "alice" || info.Access != "alice (RW), bob (R)" {
		t.Errorf("INFO ownership = owner %q access %q", info.Owner, info.Access)
	}
}

func TestViewFiltersAndDetails(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		if req.Type == proto.TypeInfo {
			return &proto.StatReply{Status: proto.StatusOK, Size: 5, Words: 1, Chars: 5}
		}
		return nil
	})
	ss1.register(s, 1)
	seedFile(t, s, "mine.txt", 1, "bob")
	seedFile(t, s, "theirs.txt", 1, "alice")
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeView, User: "bob"})
	if resp.Status != proto.StatusOK || len(resp.Files) != 1 || resp.Files[0] != "mine.txt" {
		t.Errorf("VIEW = %s %v, want [mine.txt]", resp.Status, resp.Files)
	}

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeView, User: "bob", Flags: "-a"})
	if len(resp.Files) != 2 {
		t.Errorf("VIEW -a = %v, want both files", resp.Files)
	}

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeView, User: "bob", Flags: "-al"})
	if len(resp.Details) != 2 {
		t.Fatalf("VIEW -al = %+v", resp.Details)
	}
	for _, d := range resp.Details {
		if d.Name == "mine.txt" && (d.Size != 5 || d.Owner != "bob") {
			t.Errorf("detail for readable file = %+v", d)
		}
		if d.Name == "theirs.txt" && d.Size != 0 {
			// No read or write grant, so no stats were fetched.
			t.Errorf("detail for unreadable file = %+v", d)
		}
	}
}

func TestCommitFanOut(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		if req.Type == proto.TypeRead && req.File == "doc.txt" {
			return &proto.Message{Status: proto.StatusOK, Body: "committed"}
		}
		if req.Type == proto.TypeRead {
			// No undo snapshot on the primary.
			return &proto.Message{Status: proto.StatusNotFound}
		}
		return nil
	})
	ss2 := startFakeSS(t, nil)
	ss1.register(s, 1)
	ss2.register(s, 2)
	seedFile(t, s, "doc.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.Replicas["doc.txt"] = []int{2}
		return nil
	})
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeSSCommit, File: "ghost.txt", SSID: 1})
	if resp.Status != proto.StatusBadRequest {
		t.Errorf("commit for unknown file = %s, want ERR_BADREQ", resp.Status)
	}

	// A stale notification from a non-primary is acknowledged but ignored.
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeSSCommit, File: "doc.txt", SSID: 2})
	if resp.Status != proto.StatusOK {
		t.Fatalf("stale commit = %s, want OK", resp.Status)
	}
	s.rep.Wait()
	if _, ok := ss2.firstOf(proto.TypePut); ok {
		t.Error("stale commit fanned out")
	}

	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeSSCommit, File: "doc.txt", SSID: 1})
	if resp.Status != proto.StatusOK {
		t.Fatalf("commit = %s, want OK", resp.Status)
	}
	s.rep.Wait()
	put, ok := ss2.firstOf(proto.TypePut)
	if !ok || put.Body != "committed" {
		t.Errorf("replica PUT = %+v, %v", put, ok)
	}
}

func TestCheckpointNoticeFanOut(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		if req.Type == proto.TypeViewCheckpoint {
			return &proto.Message{Status: proto.StatusOK, Body: "snapshot"}
		}
		return nil
	})
	ss2 := startFakeSS(t, nil)
	ss1.register(s, 1)
	ss2.register(s, 2)
	seedFile(t, s, "doc.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.Replicas["doc.txt"] = []int{2}
		return nil
	})
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeSSCheckpoint,
		File: "doc.txt", Name: "v1", SSID: 1})
	if resp.Status != proto.StatusOK {
		t.Fatalf("SS_CHECKPOINT = %s, want OK", resp.Status)
	}
	s.rep.Wait()
	cp, ok := ss2.firstOf(proto.TypePutCheckpoint)
	if !ok || cp.Name != "v1" || cp.Body != "snapshot" {
		t.Errorf("replica PUT_CHECKPOINT = %+v, %v", cp, ok)
	}
}

func TestRegisterTriggersResync(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		switch req.Type {
		case proto.TypeRead:
			if req.File == "doc.txt" {
				return &proto.Message{Status: proto.StatusOK, Body: "current"}
			}
			return &proto.Message{Status: proto.StatusNotFound}
		case proto.TypeListCheckpoints:
			return &proto.CheckpointListReply{Status: proto.StatusOK, Checkpoints: []string{"v1"}}
		case proto.TypeViewCheckpoint:
			return &proto.Message{Status: proto.StatusOK, Body: "snap"}
		}
		return nil
	})
	ss2 := startFakeSS(t, nil)
	ss1.register(s, 1)
	seedFile(t, s, "doc.txt", 1, "alice")
	_ = s.st.Mutate(func(st *state.State) error {
		st.Replicas["doc.txt"] = []int{2}
		return nil
	})
	tc := newTestConn(s)

	// The replica registering pulls content, undo, and checkpoints.
	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeSSRegister,
		SSID: 2, SSCtrlPort: 1, SSDataPort: ss2.port()})
	if resp.Status != proto.StatusOK {
		t.Fatalf("SS_REGISTER = %s, want OK", resp.Status)
	}
	s.rep.Wait()

	if put, ok := ss2.firstOf(proto.TypePut); !ok || put.Body != "current" {
		t.Errorf("resync PUT = %+v, %v", put, ok)
	}
	if cp, ok := ss2.firstOf(proto.TypePutCheckpoint); !ok || cp.Name != "v1" {
		t.Errorf("resync PUT_CHECKPOINT = %+v, %v", cp, ok)
	}
}

func TestHeartbeatBeforeRegister(t *testing.T) {
	s := newTestServer(t)
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeSSHeartbeat, SSID: 7})
	if resp.Status != proto.StatusOK {
		t.Fatalf("SS_HEARTBEAT = %s, want OK", resp.Status)
	}
	// Without a known data port the server stays down.
	if s.reg.IsUp(7) {
		t.Error("heartbeat-only server marked up")
	}
	resp = tc.roundtrip(t, &proto.Message{Type: proto.TypeSSHeartbeat})
	if resp.Status != proto.StatusBadRequest {
		t.Errorf("heartbeat without ssId = %s, want ERR_BADREQ", resp.Status)
	}
}

func TestDirSet(t *testing.T) {
	s := newTestServer(t)
	tc := newTestConn(s)

	resp := tc.roundtrip(t, &proto.Message{Type: proto.TypeDirSet, File: "a.txt", SSID: 3})
	if resp.Status != proto.StatusOK {
		t.Fatalf("DIR_SET = %s, want OK", resp.Status)
	}
	if e, ok := s.st.LookupCached("a.txt"); !ok || e.SSID != 3 {
		t.Errorf("mapping = %+v, %v", e, ok)
	}
}

func TestExecStreamsOutput(t *testing.T) {
	s := newTestServer(t)
	ss1 := startFakeSS(t, func(req *proto.Message) any {
		if req.Type == proto.TypeRead {
			return &proto.Message{Status: proto.StatusOK, Body: "echo hello from script\n"}
		}
		return nil
	})
	ss1.register(s, 1)
	seedFile(t, s, "run.sh", 1, "alice")
	tc := newTestConn(s)

	tc.c.dispatch(context.Background(), &proto.Message{Type: proto.TypeExec,
		File: "run.sh", User: "alice"})

	first, err := proto.ReadMessage(tc.buf)
	if err != nil || first.Status != proto.StatusOK || first.Stream != proto.TypeExec {
		t.Fatalf("stream header = %+v, %v", first, err)
	}

	var output strings.Builder
	for {
		m, err := proto.ReadMessage(tc.buf)
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		if m.Status == proto.StatusStop {
			if m.Exit == nil || *m.Exit != 0 {
				t.Errorf("exit = %v, want 0", m.Exit)
			}
			break
		}
		output.WriteString(m.Chunk)
	}
	if !strings.Contains(output.String(), "hello from script") {
		t.Errorf("output = %q", output.String())
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	s := newTestServer(t)
	tc := newTestConn(s)
	resp := tc.roundtrip(t, &proto.Message{Type: "NONSENSE"})
	if resp.Status != proto.StatusBadRequest {
		t.Errorf("unknown type = %s, want ERR_BADREQ", resp.Status)
	}
}
