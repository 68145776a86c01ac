package preload

import (
	"sync"

	"golang.org/x/sys/unix"
)

// AllocDescriptor reserves a descriptor number with the kernel: the read end
// of a close-on-exec pipe whose write end is closed right away. The number
// can't collide with any other open descriptor, and exec closes it like any
// other O_CLOEXEC descriptor.
func AllocDescriptor(real RealCalls) (int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, err
	}
	if err := real.Close(p[1]); err != nil {
		real.Close(p[0])
		return -1, err
	}
	return p[0], nil
}

// Maps reserved descriptors to the virtual nodes behind them. Lookups and
// mutations are serialized by one lock which is never held across remote
// calls.
type FdTable struct {
	Real RealCalls

	mu    sync.Mutex
	nodes map[int]Node
}

func NewFdTable(real RealCalls) *FdTable {
	return &FdTable{Real: real, nodes: make(map[int]Node)}
}

// Add reserves a descriptor for node. Allocation errors are returned as is.
func (t *FdTable) Add(node Node) (int, error) {
	fd, err := AllocDescriptor(t.Real)
	if err != nil {
		return -1, err
	}
	t.mu.Lock()
	t.nodes[fd] = node
	t.mu.Unlock()
	return fd, nil
}

// Get returns the node for fd. Absent means fd is not virtual.
func (t *FdTable) Get(fd int) (Node, bool) {
	t.mu.Lock()
	n, ok := t.nodes[fd]
	t.mu.Unlock()
	return n, ok
}

// Remove deletes fd and returns the node it referred to.
func (t *FdTable) Remove(fd int) (Node, bool) {
	t.mu.Lock()
	n, ok := t.nodes[fd]
	delete(t.nodes, fd)
	t.mu.Unlock()
	return n, ok
}

func (t *FdTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
