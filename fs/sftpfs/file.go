package sftpfs

import (
	"sync"

	"github.com/jeffh/vfspreload/ninep"
	"github.com/pkg/sftp"
)

// File adapts an sftp file to positional reads and writes. The 9P server
// serializes requests per connection, but several connections may share a
// handle's backing file, hence the mutex.
type File struct {
	m sync.Mutex
	h *sftp.File
}

var _ ninep.FileHandle = (*File)(nil)

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return f.h.ReadAt(p, off)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return f.h.WriteAt(p, off)
}

func (f *File) Close() error {
	f.m.Lock()
	defer f.m.Unlock()
	return f.h.Close()
}
