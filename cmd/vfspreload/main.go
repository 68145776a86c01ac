// Builds the LD_PRELOAD library that virtualizes /sandstorm-magic:
//
//	go build -buildmode=c-shared -o libvfspreload.so ./cmd/vfspreload
//	SANDSTORM_VFS_SERVER=unix!/tmp/vfs.sock LD_PRELOAD=./libvfspreload.so cat /sandstorm-magic/a/b
//
// Errors always go to stderr; set SANDSTORM_VFS_DEBUG=1 for debug logging.
package main

/*
#cgo CFLAGS: -D_GNU_SOURCE -U_FORTIFY_SOURCE -D_FORTIFY_SOURCE=0
#cgo LDFLAGS: -ldl
#include <stdlib.h>
#include "preload.h"
*/
import "C"

import (
	"errors"
	"math"
	"os"
	"unsafe"

	"github.com/jeffh/vfspreload/preload"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const envDebug = "SANDSTORM_VFS_DEBUG"

func init() {
	preload.SetRealCalls(libcCalls{})
	if os.Getenv(envDebug) != "" {
		if l, err := zap.NewDevelopment(); err == nil {
			preload.SetLogger(l.Named("vfspreload").With(zap.Int("pid", os.Getpid())))
		}
	}
}

func main() {}

// Calls the next definitions of the interposed symbols, as resolved by the
// dynamic linker when the library loaded.
type libcCalls struct{}

func (libcCalls) Open(path string, flags int, mode uint32) (int, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	var e C.int
	fd := C.vfs_real_open(cpath, C.int(flags), C.uint(mode), &e)
	if fd < 0 {
		return -1, unix.Errno(e)
	}
	return int(fd), nil
}

func (libcCalls) Read(fd int, p []byte) (int, error) {
	var e C.int
	n := C.vfs_real_read(C.int(fd), unsafe.Pointer(unsafe.SliceData(p)), C.size_t(len(p)), &e)
	if n < 0 {
		return -1, unix.Errno(e)
	}
	return int(n), nil
}

func (libcCalls) Write(fd int, p []byte) (int, error) {
	var e C.int
	n := C.vfs_real_write(C.int(fd), unsafe.Pointer(unsafe.SliceData(p)), C.size_t(len(p)), &e)
	if n < 0 {
		return -1, unix.Errno(e)
	}
	return int(n), nil
}

func (libcCalls) Close(fd int) error {
	var e C.int
	if C.vfs_real_close(C.int(fd), &e) < 0 {
		return unix.Errno(e)
	}
	return nil
}

func setErrno(out *C.int, err error) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		errno = unix.EIO
	}
	*out = C.int(errno)
}

// The caller's buffer stays valid and unmoved until the call returns.
func cbuf(buf unsafe.Pointer, count C.size_t) []byte {
	n := uint64(count)
	if n > math.MaxInt32 {
		// a short transfer is always allowed
		n = math.MaxInt32
	}
	if buf == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(buf), int(n))
}

//export vfsOpen
func vfsOpen(path *C.char, flags C.int, mode C.uint, errOut *C.int) C.int {
	fd, err := preload.Default().Open(C.GoString(path), int(flags), uint32(mode))
	if err != nil {
		setErrno(errOut, err)
		return -1
	}
	return C.int(fd)
}

//export vfsRead
func vfsRead(fd C.int, buf unsafe.Pointer, count C.size_t, errOut *C.int) C.ssize_t {
	n, err := preload.Default().Read(int(fd), cbuf(buf, count))
	if err != nil {
		setErrno(errOut, err)
		return -1
	}
	return C.ssize_t(n)
}

//export vfsWrite
func vfsWrite(fd C.int, buf unsafe.Pointer, count C.size_t, errOut *C.int) C.ssize_t {
	n, err := preload.Default().Write(int(fd), cbuf(buf, count))
	if err != nil {
		setErrno(errOut, err)
		return -1
	}
	return C.ssize_t(n)
}

//export vfsClose
func vfsClose(fd C.int, errOut *C.int) C.int {
	if err := preload.Default().Close(int(fd)); err != nil {
		setErrno(errOut, err)
		return -1
	}
	return 0
}
