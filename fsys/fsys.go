// Package fsys is the filesystem adapter: it sanitizes file names via
// basename reduction and confines all I/O to a configured storage root,
// exactly as spec.md §4.4 requires.
package fsys

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/jadeyavs/rdtudp/wire"
)

// ErrNotFound is returned by OpenRead when the requested file does not
// exist under the root.
var ErrNotFound = errors.New("fsys: file not found")

// Root confines file access to a directory, the way both
// Ali-abdelrady-udp-client and neverchanje-playground/hub.go join a
// sanitized basename onto a fixed directory before touching disk.
type Root struct {
	dir string
}

// NewRoot creates (if needed) and returns a Root rooted at dir.
func NewRoot(dir string) (*Root, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Root{dir: dir}, nil
}

// Sanitize reduces name to its basename, stripping any directory
// components an attacker (or a careless caller) might have supplied.
func Sanitize(name string) string {
	return filepath.Base(name)
}

func (r *Root) path(name string) string {
	return filepath.Join(r.dir, Sanitize(name))
}

// Exists reports whether a sanitized name exists under the root.
func (r *Root) Exists(name string) bool {
	_, err := os.Stat(r.path(name))
	return err == nil
}

// Handle is an open file, read or write, bound to one direction.
type Handle struct {
	f *os.File
}

// OpenLocalRead opens an arbitrary local path for binary reading,
// unconfined by any root — for the client engine's own CLI-specified
// source file, as opposed to names arriving over the wire in a SYN
// payload (which must go through Root.OpenRead instead).
func OpenLocalRead(path string) (*Handle, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Handle{f: f}, nil
}

// OpenLocalWrite creates or truncates an arbitrary local path for binary
// writing — for the client engine's download destination.
func OpenLocalWrite(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f}, nil
}

// OpenRead opens name (sanitized) under the root for binary reading.
func (r *Root) OpenRead(name string) (*Handle, error) {
	f, err := os.Open(r.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Handle{f: f}, nil
}

// OpenWrite creates or truncates name (sanitized) under the root for
// binary writing.
func (r *Root) OpenWrite(name string) (*Handle, error) {
	f, err := os.OpenFile(r.path(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f}, nil
}

// ReadChunk reads up to wire.MaxPayload bytes; eof is true once no
// further bytes remain (a zero-length read, per spec.md §4.4).
func (h *Handle) ReadChunk() ([]byte, bool, error) {
	buf := make([]byte, wire.MaxPayload)
	n, err := h.f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	if n == 0 {
		return nil, true, nil
	}
	return buf[:n], false, nil
}

// WriteChunk appends data to the open handle.
func (h *Handle) WriteChunk(data []byte) error {
	_, err := h.f.Write(data)
	return err
}

// Close closes the handle, tolerating an already-closed handle so the
// stale-session reaper can close defensively without erroring.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	err := h.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
