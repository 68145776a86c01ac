package preload

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

type stubNode struct{ id int }

func (stubNode) Read(p []byte) *Promise[int]  { return Resolved(0) }
func (stubNode) Write(p []byte) *Promise[int] { return Resolved(len(p)) }

func TestFdTableAllocatesUniqueCloexecDescriptors(t *testing.T) {
	table := NewFdTable(Syscalls{})
	fds := make(map[int]bool)
	for i := 0; i < 16; i++ {
		fd, err := table.Add(stubNode{i})
		if err != nil {
			t.Fatalf("Add: %s", err)
		}
		t.Cleanup(func() { unix.Close(fd) })
		if fd < 0 || fds[fd] {
			t.Fatalf("descriptor %d is invalid or reused", fd)
		}
		fds[fd] = true

		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			t.Fatalf("fcntl: %s", err)
		}
		if flags&unix.FD_CLOEXEC == 0 {
			t.Errorf("descriptor %d is not close-on-exec", fd)
		}

		// the write end is already closed
		if n, err := unix.Read(fd, make([]byte, 1)); n != 0 || err != nil {
			t.Errorf("read of reserved descriptor = %d, %v", n, err)
		}
	}
	if table.Len() != len(fds) {
		t.Fatalf("Len = %d, want %d", table.Len(), len(fds))
	}
}

func TestFdTableRemove(t *testing.T) {
	table := NewFdTable(Syscalls{})
	fd, err := table.Add(stubNode{1})
	if err != nil {
		t.Fatalf("Add: %s", err)
	}
	defer unix.Close(fd)

	n, ok := table.Get(fd)
	if !ok || n.(stubNode).id != 1 {
		t.Fatalf("Get = %v, %v", n, ok)
	}
	if _, ok := table.Remove(fd); !ok {
		t.Fatalf("Remove missed %d", fd)
	}
	if _, ok := table.Get(fd); ok {
		t.Fatalf("descriptor still present after Remove")
	}
	if _, ok := table.Remove(fd); ok {
		t.Fatalf("second Remove should miss")
	}
}

func TestFdTableConcurrentUse(t *testing.T) {
	table := NewFdTable(Syscalls{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				fd, err := table.Add(stubNode{i})
				if err != nil {
					t.Errorf("Add: %s", err)
					return
				}
				if n, ok := table.Get(fd); !ok || n.(stubNode).id != i {
					t.Errorf("Get(%d) = %v, %v; want node %d", fd, n, ok, i)
				}
				table.Remove(fd)
				unix.Close(fd)
			}
		}(i)
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Fatalf("Len = %d after removing everything", table.Len())
	}
}
