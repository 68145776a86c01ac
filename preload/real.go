package preload

import (
	"sync"

	"golang.org/x/sys/unix"
)

// The un-intercepted implementations of the calls this package virtualizes.
// Failures are reported as unix.Errno values.
type RealCalls interface {
	Open(path string, flags int, mode uint32) (int, error)
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
}

// Issues the raw system calls. Go does not route these through libc, so an
// interposed libc symbol is never re-entered.
type Syscalls struct{}

func (Syscalls) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(path, flags, mode)
}

func (Syscalls) Read(fd int, p []byte) (int, error)  { return unix.Read(fd, p) }
func (Syscalls) Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }
func (Syscalls) Close(fd int) error                  { return unix.Close(fd) }

var (
	realOnce  sync.Once
	realCalls RealCalls
)

// DefaultRealCalls returns the process-wide real call table. It is resolved
// once; SetRealCalls must be called before the first use to replace it.
func DefaultRealCalls() RealCalls {
	realOnce.Do(func() {
		if realCalls == nil {
			realCalls = Syscalls{}
		}
	})
	return realCalls
}

// SetRealCalls installs the real call table used by Default.
func SetRealCalls(r RealCalls) {
	realCalls = r
}
