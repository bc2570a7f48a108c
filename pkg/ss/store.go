// Package ss implements the storage server: it owns file bytes, per-file
// undo snapshots, and named checkpoints under a local data directory, and
// serves the sentence-level write protocol to clients of the naming manager.
package ss

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ss/doc"
)

// Store lays out one storage server's state on disk:
//
//	<root>/files/        committed document bytes (plus subfolders)
//	<root>/undo/         one <file>.undo snapshot per file
//	<root>/checkpoints/  <file>/<name>.chk named snapshots
//	<root>/meta/         scratch space for commit temp files
type Store struct {
	root string
}

// NewStore creates the directory layout under dataDir for the given server
// id and returns a Store rooted there.
func NewStore(dataDir string, id int) (*Store, error) {
	root := filepath.Join(dataDir, fmt.Sprintf("ss%d", id))
	for _, sub := range []string{"files", "undo", "checkpoints", "meta"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store layout: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// FilesDir returns the directory holding committed documents.
func (s *Store) FilesDir() string { return filepath.Join(s.root, "files") }

// filePath resolves a wire file name below files/. Relative segments are
// honored so replication can address "../undo/<file>.undo" through READ,
// but the result must stay inside the store root.
func (s *Store) filePath(name string) (string, error) {
	p := filepath.Join(s.root, "files", name)
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes store root: %w", proto.ErrNotFound)
	}
	return p, nil
}

func (s *Store) undoPath(name string) string {
	return filepath.Join(s.root, "undo", name+".undo")
}

func (s *Store) checkpointPath(file, name string) string {
	return filepath.Join(s.root, "checkpoints", file, name+".chk")
}

// Read returns the full contents of a stored file.
func (s *Store) Read(name string) ([]byte, error) {
	p, err := s.filePath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, proto.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// Create makes an empty file, failing if it already exists.
func (s *Store) Create(name string) error {
	p, err := s.filePath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", name, proto.ErrConflict)
		}
		return err
	}
	return f.Close()
}

// Delete removes a file along with its undo snapshot and checkpoints.
// Snapshot and checkpoint removal is best-effort; the result reflects only
// the main file.
func (s *Store) Delete(name string) error {
	p, err := s.filePath(name)
	if err != nil {
		return err
	}
	rmErr := os.Remove(p)

	_ = os.Remove(s.undoPath(name))
	_ = os.RemoveAll(filepath.Join(s.root, "checkpoints", name))

	if rmErr != nil {
		return fmt.Errorf("%s: %w", name, proto.ErrNotFound)
	}
	return nil
}

// CreateFolder makes a directory below files/, parents included. An
// existing directory is not an error.
func (s *Store) CreateFolder(path string) error {
	p, err := s.filePath(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// Rename moves a file to a new name and carries its undo snapshot and
// checkpoint directory along. The destination must not exist.
func (s *Store) Rename(oldName, newName string) error {
	oldPath, err := s.filePath(oldName)
	if err != nil {
		return err
	}
	newPath, err := s.filePath(newName)
	if err != nil {
		return err
	}

	if _, err := os.Stat(oldPath); err != nil {
		return fmt.Errorf("%s: %w", oldName, proto.ErrNotFound)
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%s: %w", newName, proto.ErrConflict)
	}

	if _, err := os.Stat(s.undoPath(oldName)); err == nil {
		_ = os.MkdirAll(filepath.Dir(s.undoPath(newName)), 0o755)
		_ = os.Rename(s.undoPath(oldName), s.undoPath(newName))
	}

	oldChk := filepath.Join(s.root, "checkpoints", oldName)
	if _, err := os.Stat(oldChk); err == nil {
		newChk := filepath.Join(s.root, "checkpoints", newName)
		_ = os.MkdirAll(filepath.Dir(newChk), 0o755)
		_ = os.Rename(oldChk, newChk)
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldName, newName, err)
	}
	return nil
}

// Put atomically replaces (or creates) a file with the given body.
func (s *Store) Put(name string, body []byte) error {
	p, err := s.filePath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(p, bytes.NewReader(body))
}

// Commit atomically replaces a file with new contents. It is Put under the
// name the write-session path uses.
func (s *Store) Commit(name string, body []byte) error {
	return s.Put(name, body)
}

// ReadUndo returns the current undo snapshot for a file.
func (s *Store) ReadUndo(name string) ([]byte, error) {
	data, err := os.ReadFile(s.undoPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no undo snapshot for %s: %w", name, proto.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// WriteUndo overwrites the single-step undo snapshot for a file.
func (s *Store) WriteUndo(name string, body []byte) error {
	p := s.undoPath(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(p, bytes.NewReader(body))
}

// RemoveUndo consumes the undo snapshot after a successful restore.
func (s *Store) RemoveUndo(name string) {
	_ = os.Remove(s.undoPath(name))
}

// WriteCheckpoint stores a named snapshot of a file.
func (s *Store) WriteCheckpoint(file, name string, body []byte) error {
	p := s.checkpointPath(file, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(p, bytes.NewReader(body))
}

// ReadCheckpoint returns the contents of a named snapshot.
func (s *Store) ReadCheckpoint(file, name string) ([]byte, error) {
	data, err := os.ReadFile(s.checkpointPath(file, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s of %s: %w", name, file, proto.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// ListCheckpoints enumerates the checkpoint names stored for a file. A file
// with no checkpoint directory yields an empty list.
func (s *Store) ListCheckpoints(file string) []string {
	entries, err := os.ReadDir(filepath.Join(s.root, "checkpoints", file))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasSuffix(n, ".chk") {
			names = append(names, strings.TrimSuffix(n, ".chk"))
		}
	}
	return names
}

// FileInfo is the metadata returned by the INFO operation.
type FileInfo struct {
	Size  int64
	Mtime int64
	Atime int64
	Words int
	Chars int64
}

// Info stats a file and counts its whitespace-separated words.
func (s *Store) Info(name string) (FileInfo, error) {
	p, err := s.filePath(name)
	if err != nil {
		return FileInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: %w", name, proto.ErrNotFound)
	}

	words := 0
	if data, err := os.ReadFile(p); err == nil {
		words = len(doc.Words(string(data)))
	}

	return FileInfo{
		Size:  st.Size(),
		Mtime: st.ModTime().Unix(),
		Atime: atimeOf(st),
		Words: words,
		Chars: st.Size(),
	}, nil
}
