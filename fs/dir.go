package fs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jeffh/vfspreload/ninep"
)

// Dir implements a basic file system to the local file system with a given root dir.
// The type represents the root directory for this file system
type Dir string

var _ ninep.FileSystem = Dir("")

func (d Dir) path(p string) string {
	// p is already relative to the root with no ".." segments
	return filepath.Join(string(d), filepath.FromSlash(cleanPath(p)))
}

// OpenFile opens an existing file that is a descendent of the root directory of Dir for reading/writing
func (d Dir) OpenFile(ctx context.Context, path string, flag ninep.OpenMode) (ninep.FileHandle, error) {
	return os.OpenFile(d.path(path), flag.ToOsFlag(), 0)
}

// ListDir lists all files and directories in a given subdirectory
func (d Dir) ListDir(ctx context.Context, path string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(d.path(path))
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				// removed while listing
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Stat returns information about a given file or directory
func (d Dir) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	info, err := os.Stat(d.path(path))
	if err != nil {
		return nil, err
	}
	if cleanPath(path) == "" {
		info = ninep.FileInfoWithName(info, "")
	}
	return info, nil
}
