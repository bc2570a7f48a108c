// Package state holds the naming manager's authoritative tables (users,
// directory, ACLs, replicas, requests, folders, trash) and persists them
// as a single JSON document. Every mutation is followed by an atomic
// write-to-temp-then-rename of the whole document; that is a correctness
// pattern, not an optimization.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/docsplus/docstore/pkg/proto"
)

// DirectoryEntry maps one file to its primary storage server plus
// last-touch tracking.
type DirectoryEntry struct {
	SSID             int    `json:"ss_id"`
	LastModifiedUser string `json:"last_modified_user,omitempty"`
	LastModifiedTime int64  `json:"last_modified_time,omitempty"`
	LastAccessedUser string `json:"last_accessed_user,omitempty"`
	LastAccessedTime int64  `json:"last_accessed_time,omitempty"`
}

// UnmarshalJSON accepts both the current object form and the older format
// where a directory entry was a bare storage-server id.
func (e *DirectoryEntry) UnmarshalJSON(b []byte) error {
	var id int
	if err := json.Unmarshal(b, &id); err == nil {
		*e = DirectoryEntry{SSID: id}
		return nil
	}
	type entry DirectoryEntry
	var v entry
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = DirectoryEntry(v)
	return nil
}

// ACL is one file's owner and per-user grants ("R", "W" or "RW"). The
// reserved user "anonymous" is the public fallback grant.
type ACL struct {
	Owner  string            `json:"owner"`
	Grants map[string]string `json:"grants"`
}

// RequestList is a file's pending access requests. The older persisted
// format stored bare usernames; those load as read requests.
type RequestList []proto.AccessRequest

func (l *RequestList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(RequestList, 0, len(raw))
	for _, item := range raw {
		var req proto.AccessRequest
		if err := json.Unmarshal(item, &req); err == nil && req.User != "" {
			out = append(out, req)
			continue
		}
		var user string
		if err := json.Unmarshal(item, &user); err != nil {
			return fmt.Errorf("malformed access request entry: %s", item)
		}
		out = append(out, proto.AccessRequest{User: user, Mode: "R"})
	}
	*l = out
	return nil
}

// State is the persisted document. Handlers mutate it only through Store.
type State struct {
	Users     []string                   `json:"users"`
	Active    []string                   `json:"active"`
	Directory map[string]*DirectoryEntry `json:"directory"`
	ACLs      map[string]*ACL            `json:"acls"`
	Replicas  map[string][]int           `json:"replicas"`
	Requests  map[string]RequestList     `json:"requests"`
	Folders   []string                   `json:"folders"`
	Trash     []proto.TrashEntry         `json:"trash"`
}

func newState() *State {
	return &State{
		Directory: make(map[string]*DirectoryEntry),
		ACLs:      make(map[string]*ACL),
		Replicas:  make(map[string][]int),
		Requests:  make(map[string]RequestList),
	}
}

func (s *State) init() {
	if s.Directory == nil {
		s.Directory = make(map[string]*DirectoryEntry)
	}
	if s.ACLs == nil {
		s.ACLs = make(map[string]*ACL)
	}
	if s.Replicas == nil {
		s.Replicas = make(map[string][]int)
	}
	if s.Requests == nil {
		s.Requests = make(map[string]RequestList)
	}
}

func load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, fmt.Errorf("failed to read state file %q: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file %q: %w", path, err)
	}
	s.init()
	return &s, nil
}

// --- users and sessions ---

// HasUser reports whether a user is known.
func (s *State) HasUser(user string) bool {
	for _, u := range s.Users {
		if u == user {
			return true
		}
	}
	return false
}

// IsActive reports whether a user's session is currently marked active.
func (s *State) IsActive(user string) bool {
	for _, u := range s.Active {
		if u == user {
			return true
		}
	}
	return false
}

// SetActive toggles a user's session flag, registering the user if new.
func (s *State) SetActive(user string, active bool) {
	if !s.HasUser(user) {
		s.Users = append(s.Users, user)
	}
	if active {
		if !s.IsActive(user) {
			s.Active = append(s.Active, user)
		}
		return
	}
	for i, u := range s.Active {
		if u == user {
			s.Active = append(s.Active[:i], s.Active[i+1:]...)
			return
		}
	}
}

// InactiveUsers returns the known users with no active session.
func (s *State) InactiveUsers() []string {
	var out []string
	for _, u := range s.Users {
		if !s.IsActive(u) {
			out = append(out, u)
		}
	}
	return out
}

// --- directory ---

// Lookup returns the directory entry for a file, or nil.
func (s *State) Lookup(file string) *DirectoryEntry {
	return s.Directory[file]
}

// SetMapping points a file at a primary storage server, creating the entry
// when missing.
func (s *State) SetMapping(file string, ssid int) *DirectoryEntry {
	e := s.Directory[file]
	if e == nil {
		e = &DirectoryEntry{}
		s.Directory[file] = e
	}
	e.SSID = ssid
	return e
}

// DropMapping removes a file from the directory along with its ACL,
// replicas, and pending requests.
func (s *State) DropMapping(file string) {
	delete(s.Directory, file)
	delete(s.ACLs, file)
	delete(s.Replicas, file)
	delete(s.Requests, file)
}

// RenameFile carries a file's directory entry, ACL, replica set, and
// pending requests over to a new name.
func (s *State) RenameFile(oldName, newName string) {
	if e, ok := s.Directory[oldName]; ok {
		delete(s.Directory, oldName)
		s.Directory[newName] = e
	}
	if a, ok := s.ACLs[oldName]; ok {
		delete(s.ACLs, oldName)
		s.ACLs[newName] = a
	}
	if r, ok := s.Replicas[oldName]; ok {
		delete(s.Replicas, oldName)
		s.Replicas[newName] = r
	}
	if q, ok := s.Requests[oldName]; ok {
		delete(s.Requests, oldName)
		s.Requests[newName] = q
	}
}

// FilesUnder returns the directory entries whose name starts with the
// folder prefix (prefix must not carry the trailing slash).
func (s *State) FilesUnder(prefix string) []string {
	var out []string
	for file := range s.Directory {
		if strings.HasPrefix(file, prefix+"/") {
			out = append(out, file)
		}
	}
	return out
}

// --- ACLs ---

// Owner returns the owning user of a file, or "".
func (s *State) Owner(file string) string {
	if a := s.ACLs[file]; a != nil {
		return a.Owner
	}
	return ""
}

// SetOwner creates or updates a file's ACL owner, granting the owner RW.
func (s *State) SetOwner(file, user string) {
	a := s.ACLs[file]
	if a == nil {
		a = &ACL{Grants: make(map[string]string)}
		s.ACLs[file] = a
	}
	a.Owner = user
	a.Grants[user] = "RW"
}

// Grant sets a user's mode on a file ("R", "W" or "RW"), clearing any
// pending request from that user.
func (s *State) Grant(file, user, mode string) {
	a := s.ACLs[file]
	if a == nil {
		a = &ACL{Grants: make(map[string]string)}
		s.ACLs[file] = a
	}
	a.Grants[user] = mode
	s.ClearRequest(file, user)
}

// Revoke removes a user's grant on a file.
func (s *State) Revoke(file, user string) {
	if a := s.ACLs[file]; a != nil {
		delete(a.Grants, user)
	}
}

func (s *State) grantFor(file, user string) string {
	a := s.ACLs[file]
	if a == nil {
		return ""
	}
	if g, ok := a.Grants[user]; ok {
		return g
	}
	// Public fallback.
	return a.Grants["anonymous"]
}

// CanRead reports whether user may read file. The owner always may.
func (s *State) CanRead(file, user string) bool {
	if a := s.ACLs[file]; a != nil && a.Owner == user {
		return true
	}
	return strings.Contains(s.grantFor(file, user), "R")
}

// CanWrite reports whether user may write file. The owner always may.
func (s *State) CanWrite(file, user string) bool {
	if a := s.ACLs[file]; a != nil && a.Owner == user {
		return true
	}
	return strings.Contains(s.grantFor(file, user), "W")
}

// AccessSummary formats a file's grants as "owner (RW), user (R), …" with
// the owner first.
func (s *State) AccessSummary(file string) string {
	a := s.ACLs[file]
	if a == nil {
		return ""
	}
	parts := []string{fmt.Sprintf("%s (RW)", a.Owner)}
	for _, user := range sortedKeys(a.Grants) {
		if user == a.Owner {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", user, a.Grants[user]))
	}
	return strings.Join(parts, ", ")
}

// --- access requests ---

// AddRequest queues an access request, refusing duplicates by user.
func (s *State) AddRequest(file, user, mode string) bool {
	for _, r := range s.Requests[file] {
		if r.User == user {
			return false
		}
	}
	s.Requests[file] = append(s.Requests[file], proto.AccessRequest{User: user, Mode: mode})
	return true
}

// ClearRequest removes a user's pending request on a file.
func (s *State) ClearRequest(file, user string) bool {
	reqs := s.Requests[file]
	for i, r := range reqs {
		if r.User == user {
			s.Requests[file] = append(reqs[:i], reqs[i+1:]...)
			return true
		}
	}
	return false
}

// RequestFor returns a user's pending request on a file, if any.
func (s *State) RequestFor(file, user string) (proto.AccessRequest, bool) {
	for _, r := range s.Requests[file] {
		if r.User == user {
			return r, true
		}
	}
	return proto.AccessRequest{}, false
}

// --- folders ---

// HasFolder reports whether a logical folder exists.
func (s *State) HasFolder(path string) bool {
	for _, f := range s.Folders {
		if f == path {
			return true
		}
	}
	return false
}

// AddFolder records a logical folder, parents included.
func (s *State) AddFolder(path string) {
	for _, part := range folderChain(path) {
		if !s.HasFolder(part) {
			s.Folders = append(s.Folders, part)
		}
	}
}

// RenameFolder rewrites the folder list under a prefix.
func (s *State) RenameFolder(oldPrefix, newPrefix string) {
	for i, f := range s.Folders {
		if f == oldPrefix {
			s.Folders[i] = newPrefix
		} else if strings.HasPrefix(f, oldPrefix+"/") {
			s.Folders[i] = newPrefix + strings.TrimPrefix(f, oldPrefix)
		}
	}
}

// folderChain expands "a/b/c" to ["a", "a/b", "a/b/c"].
func folderChain(path string) []string {
	var out []string
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := range segs {
		out = append(out, strings.Join(segs[:i+1], "/"))
	}
	return out
}

// --- trash ---

// AddTrash records a soft-deleted file.
func (s *State) AddTrash(entry proto.TrashEntry) {
	s.Trash = append(s.Trash, entry)
}

// TakeTrash removes and returns the trash entry for a file.
func (s *State) TakeTrash(file string) (proto.TrashEntry, bool) {
	for i, e := range s.Trash {
		if e.File == file {
			s.Trash = append(s.Trash[:i], s.Trash[i+1:]...)
			return e, true
		}
	}
	return proto.TrashEntry{}, false
}

// TrashOwnedBy returns the trash entries whose owner matches user.
func (s *State) TrashOwnedBy(user string) []proto.TrashEntry {
	var out []proto.TrashEntry
	for _, e := range s.Trash {
		if e.Owner == user {
			out = append(out, e)
		}
	}
	return out
}
