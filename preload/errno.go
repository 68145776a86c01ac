package preload

import (
	"errors"
	"io/fs"

	"github.com/jeffh/vfspreload/ninep"
	"golang.org/x/sys/unix"
)

// ErrnoFor translates an error from a virtual operation into the errno the
// caller of the intercepted function sees.
func ErrnoFor(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, ninep.ErrReadNotAllowed), errors.Is(err, ninep.ErrWriteNotAllowed):
		return unix.EBADF
	case errors.Is(err, ninep.ErrUnrecognizedFid), errors.Is(err, ninep.ErrFidNotOpened):
		return unix.EBADF
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return unix.EACCES
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, ninep.ErrWalkNotDir):
		return unix.ENOTDIR
	case errors.Is(err, fs.ErrInvalid):
		return unix.EINVAL
	case errors.Is(err, ninep.ErrUnsupported), errors.Is(err, ninep.ErrNotImplemented):
		return unix.ENOTSUP
	case errors.Is(err, ninep.ErrNoFidsAvailable), errors.Is(err, ninep.ErrNoTagsAvailable):
		return unix.EMFILE
	default:
		// transport failures included
		return unix.EIO
	}
}
