package fs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/jeffh/vfspreload/ninep"
)

// Implements a basic file system in memory only.
// Also, not a particularly efficient implementation.
type Mem struct {
	mu   sync.RWMutex
	root *memNode
}

var _ ninep.FileSystem = (*Mem)(nil)

type memNode struct {
	name     string
	dir      bool
	mode     fs.FileMode
	modTime  time.Time
	contents []byte
	children map[string]*memNode
}

func NewMem() *Mem {
	return &Mem{root: &memNode{dir: true, mode: fs.ModeDir | 0755, modTime: time.Now(), children: map[string]*memNode{}}}
}

// NewMemWithFiles creates a new in-memory file system with a given set of
// files. Directories are created as needed.
func NewMemWithFiles(files map[string]string) *Mem {
	m := NewMem()
	if err := Populate(m, files); err != nil {
		panic(err)
	}
	return m
}

// Populate writes each file, creating parent directories along the way.
func Populate(m *Mem, files map[string]string) error {
	for name, contents := range files {
		if err := m.WriteFile(name, []byte(contents), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Must be called with mu held.
func (m *Mem) lookup(p string) (*memNode, error) {
	n := m.root
	for _, seg := range splitPath(p) {
		if !n.dir {
			return nil, fmt.Errorf("%s: %w", p, ninep.ErrWalkNotDir)
		}
		child, ok := n.children[seg]
		if !ok {
			return nil, notExist("lookup", p)
		}
		n = child
	}
	return n, nil
}

// MakeDir creates the directory and any missing parents.
func (m *Mem) MakeDir(p string, mode fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.mkdirAll(splitPath(cleanPath(p)), mode)
	return err
}

func (m *Mem) mkdirAll(parts []string, mode fs.FileMode) (*memNode, error) {
	n := m.root
	for _, seg := range parts {
		child, ok := n.children[seg]
		if !ok {
			child = &memNode{name: seg, dir: true, mode: fs.ModeDir | mode.Perm(), modTime: time.Now(), children: map[string]*memNode{}}
			n.children[seg] = child
		} else if !child.dir {
			return nil, fmt.Errorf("%s: %w", seg, ninep.ErrWalkNotDir)
		}
		n = child
	}
	return n, nil
}

// WriteFile replaces the contents of a file, creating it if needed.
func (m *Mem) WriteFile(p string, data []byte, perm fs.FileMode) error {
	p = cleanPath(p)
	if p == "" {
		return fmt.Errorf("%w: cannot write the root", fs.ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := splitPath(p)
	parent, err := m.mkdirAll(parts[:len(parts)-1], 0755)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	n, ok := parent.children[name]
	if !ok {
		n = &memNode{name: name, mode: perm.Perm()}
		parent.children[name] = n
	} else if n.dir {
		return fmt.Errorf("%s: %w", p, fs.ErrExist)
	}
	n.contents = append([]byte(nil), data...)
	n.modTime = time.Now()
	return nil
}

func (m *Mem) info(n *memNode) os.FileInfo {
	mode := n.mode
	if n.dir {
		mode |= fs.ModeDir
	}
	return &ninep.SimpleFileInfo{
		FIName:    n.name,
		FISize:    int64(len(n.contents)),
		FIMode:    mode,
		FIModTime: n.modTime,
	}
}

func (m *Mem) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	return m.info(n), nil
}

func (m *Mem) ListDir(ctx context.Context, p string) ([]os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, fmt.Errorf("%s: %w", p, ninep.ErrWalkNotDir)
	}
	infos := make([]os.FileInfo, 0, len(n.children))
	for _, child := range n.children {
		infos = append(infos, m.info(child))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (m *Mem) OpenFile(ctx context.Context, p string, flag ninep.OpenMode) (ninep.FileHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if n.dir {
		return nil, fmt.Errorf("%w: %s is a directory", fs.ErrInvalid, p)
	}
	if flag&ninep.OTRUNC != 0 {
		n.contents = nil
		n.modTime = time.Now()
	}
	return &memFileHandle{m: m, n: n, flag: flag}, nil
}

type memFileHandle struct {
	m    *Mem
	n    *memNode
	flag ninep.OpenMode
}

func (h *memFileHandle) ReadAt(p []byte, off int64) (int, error) {
	if !h.flag.IsReadable() {
		return 0, ninep.ErrReadNotAllowed
	}
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	if off >= int64(len(h.n.contents)) {
		return 0, io.EOF
	}
	n := copy(p, h.n.contents[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memFileHandle) WriteAt(p []byte, off int64) (int, error) {
	if !h.flag.IsWriteable() {
		return 0, ninep.ErrWriteNotAllowed
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(h.n.contents)) {
		grown := make([]byte, end)
		copy(grown, h.n.contents)
		h.n.contents = grown
	}
	copy(h.n.contents[off:], p)
	h.n.modTime = time.Now()
	return len(p), nil
}

func (h *memFileHandle) Close() error { return nil }

// Cleans a path to the form the FileSystem methods receive.
func cleanPath(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return ""
	}
	return p[1:]
}
