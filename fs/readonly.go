package fs

import (
	"context"
	"os"

	"github.com/jeffh/vfspreload/ninep"
)

// ReadOnly wraps a FileSystem and returns a read-only version of it.
func ReadOnly(fsys ninep.FileSystem) ninep.FileSystem {
	return &readOnlyFileSystem{fsys}
}

type readOnlyFileSystem struct {
	Underlying ninep.FileSystem
}

func (f *readOnlyFileSystem) OpenFile(ctx context.Context, path string, flag ninep.OpenMode) (ninep.FileHandle, error) {
	if flag.IsWriteable() || flag&(ninep.OTRUNC|ninep.ORCLOSE) != 0 {
		return nil, ninep.ErrWriteNotAllowed
	}
	return f.Underlying.OpenFile(ctx, path, flag)
}

func (f *readOnlyFileSystem) ListDir(ctx context.Context, path string) ([]os.FileInfo, error) {
	return f.Underlying.ListDir(ctx, path)
}

func (f *readOnlyFileSystem) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	return f.Underlying.Stat(ctx, path)
}
