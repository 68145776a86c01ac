package preload

import (
	"github.com/jeffh/vfspreload/ninep"
	"golang.org/x/sys/unix"
)

// A file-like object behind a virtual descriptor. Methods are called on the
// event loop; the buffers stay valid until the returned promise settles.
type Node interface {
	Read(p []byte) *Promise[int]
	Write(p []byte) *Promise[int]
}

// Implemented by nodes that need to release resources when their
// descriptor is closed.
type NodeCloser interface {
	Node
	Close() *Promise[struct{}]
}

// Settles with the outcome of a 9P call, decoded on the loop.
func awaitCall[T any](l *Loop, c *ninep.Call, decode func(ninep.Message, error) (T, error)) *Promise[T] {
	return Await(l, c.Done(), func() (T, error) { return decode(c.Result()) })
}

// A node backed by a 9P fid.
//
// Like a kernel file description, it owns a file offset and runs one
// operation at a time. The fid is opened on first use and clunked when the
// descriptor and every in-flight operation let go of it.
type capNode struct {
	loop      *Loop
	client    *ninep.Client
	fid       ninep.Fid
	qid       ninep.Qid
	mode      ninep.OpenMode
	appending bool

	opened *Promise[uint32] // settles with the iounit
	offset uint64
	refs   int
	tail   *Promise[struct{}]
}

func newCapNode(l *Loop, c *ninep.Client, fid ninep.Fid, qid ninep.Qid, flags int) *capNode {
	return &capNode{
		loop:      l,
		client:    c,
		fid:       fid,
		qid:       qid,
		mode:      ninep.OpenModeFromOS(flags),
		appending: flags&unix.O_APPEND != 0,
		refs:      1,
		tail:      Resolved(struct{}{}),
	}
}

func (n *capNode) acquire() { n.refs++ }

func (n *capNode) release() {
	n.refs--
	if n.refs == 0 {
		n.client.Forget(n.fid)
	}
}

// Runs op after every previously queued operation on n has finished.
func sequence[T any](n *capNode, op func() *Promise[T]) *Promise[T] {
	n.acquire()
	prev := n.tail
	res, resolve := NewPromise[T]()
	done, finish := NewPromise[struct{}]()
	n.tail = done
	prev.Then(func(struct{}, error) {
		op().Then(func(v T, err error) {
			n.release()
			finish(struct{}{}, nil)
			resolve(v, err)
		})
	})
	return res
}

func (n *capNode) open() *Promise[uint32] {
	if n.opened == nil {
		n.opened = awaitCall(n.loop, n.client.SendOpen(n.fid, n.mode), func(m ninep.Message, err error) (uint32, error) {
			_, iounit, err := ninep.OpenResult(m, err)
			return iounit, err
		})
	}
	return n.opened
}

// The largest transfer a single request may carry.
func (n *capNode) clamp(size int, iounit uint32) int {
	limit := n.client.MaxDataSize()
	if iounit != 0 && iounit < limit {
		limit = iounit
	}
	if size > int(limit) {
		return int(limit)
	}
	return size
}

func (n *capNode) Read(p []byte) *Promise[int] {
	if n.qid.Type().IsDir() {
		return Rejected[int](unix.EISDIR)
	}
	if !n.mode.IsReadable() {
		return Rejected[int](unix.EBADF)
	}
	if len(p) == 0 {
		return Resolved(0)
	}
	return sequence(n, func() *Promise[int] {
		return Chain(n.open(), func(iounit uint32) *Promise[int] {
			buf := p[:n.clamp(len(p), iounit)]
			call := n.client.SendRead(n.fid, n.offset, uint32(len(buf)))
			return awaitCall(n.loop, call, func(m ninep.Message, err error) (int, error) {
				read, err := ninep.ReadResult(m, err, buf)
				if err == nil {
					n.offset += uint64(read)
				}
				return read, err
			})
		})
	})
}

func (n *capNode) Write(p []byte) *Promise[int] {
	if n.qid.Type().IsDir() {
		return Rejected[int](unix.EISDIR)
	}
	if !n.mode.IsWriteable() {
		return Rejected[int](unix.EBADF)
	}
	if len(p) == 0 {
		return Resolved(0)
	}
	return sequence(n, func() *Promise[int] {
		return Chain(n.open(), func(iounit uint32) *Promise[int] {
			return Chain(n.writeOffset(), func(offset uint64) *Promise[int] {
				buf := p[:n.clamp(len(p), iounit)]
				call := n.client.SendWrite(n.fid, offset, buf)
				return awaitCall(n.loop, call, func(m ninep.Message, err error) (int, error) {
					wrote, err := ninep.WriteResult(m, err)
					if err == nil {
						n.offset = offset + uint64(wrote)
					}
					return wrote, err
				})
			})
		})
	})
}

// Appending writes go to the current end of the file.
func (n *capNode) writeOffset() *Promise[uint64] {
	if !n.appending {
		return Resolved(n.offset)
	}
	return awaitCall(n.loop, n.client.SendStat(n.fid), func(m ninep.Message, err error) (uint64, error) {
		st, err := ninep.StatResult(m, err)
		if err != nil {
			return 0, err
		}
		return st.Length(), nil
	})
}

// Close drops the descriptor's reference. The fid is clunked once in-flight
// operations are done with it.
func (n *capNode) Close() *Promise[struct{}] {
	n.release()
	return Resolved(struct{}{})
}
