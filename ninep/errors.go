package ninep

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

var (
	ErrBadFormat       = errors.New("invalid 9P message")
	ErrMessageTooLarge = errors.New("9P message exceeds negotiated size")

	ErrUnrecognizedFid = errors.New("referred to unknown fid")
	ErrFidExists       = errors.New("attempted to create a new fid where one already exists")
	ErrFidNotOpened    = errors.New("fid was not opened")
	ErrFidAlreadyOpen  = errors.New("fid is already opened")
	ErrNoTagsAvailable = errors.New("all 9P tags are in use")
	ErrNoFidsAvailable = errors.New("all 9P fids are in use")

	ErrWriteNotAllowed = fmt.Errorf("%w: not allowed to write", fs.ErrPermission)
	ErrReadNotAllowed  = fmt.Errorf("%w: not allowed to read", fs.ErrPermission)
	ErrWalkNotDir      = errors.New("cannot walk from a non-directory")
	ErrUnsupported     = errors.New("unsupported")
	ErrNotImplemented  = errors.New("not implemented")
	ErrInvalidAccess   = fs.ErrPermission
)

var ErrServerClosed = errors.New("server closed")

// this is a list of errors that we attempt to preserve equality of over the wire.
// basically if Rerror.Ename() == err.Error() where err is in this list, then
// Rerror.Error() should return err.
var mappedErrors []error = []error{
	fs.ErrInvalid,
	fs.ErrPermission,
	fs.ErrExist,
	fs.ErrNotExist,
	fs.ErrClosed,
	os.ErrNoDeadline,
	io.EOF,
	io.ErrClosedPipe,
	io.ErrUnexpectedEOF,

	ErrBadFormat,
	ErrUnrecognizedFid,
	ErrFidExists,
	ErrFidNotOpened,
	ErrFidAlreadyOpen,
	ErrWalkNotDir,
	ErrUnsupported,
	ErrNotImplemented,
}

// Returns the message to send over the wire for err. Wrapped well-known
// errors are sent as the well-known message so the client can recover them.
func underlyingError(err error) string {
	for _, e := range mappedErrors {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return err.Error()
}
