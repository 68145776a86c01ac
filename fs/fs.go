// 9p File System Implementations.
//
// Various backends that conform to the ninep.FileSystem interface, served to
// preloaded processes by vfsserve.
package fs

import (
	"errors"
	"io"
	"io/fs"

	"github.com/jeffh/vfspreload/ninep"
)

// Returns an error for a missing path that errors.Is(err, fs.ErrNotExist).
func notExist(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
}

// Splits a ninep path (already cleaned, "" being the root) into components.
func splitPath(path string) []string {
	return ninep.PathSplit(path)
}

// EOF is the normal end of a read, not a failure worth logging as one.
func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
