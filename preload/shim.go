package preload

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Returned inside the loop when a descriptor turned out not to be virtual.
var errNotVirtual = errors.New("preload: not a virtual descriptor")

// Shim implements open, read, write and close with the virtual filesystem
// behind the mount. Everything else is handed to Real unchanged. Failures
// are returned as unix.Errno values.
type Shim struct {
	Real    RealCalls
	Loop    *Loop
	Table   *FdTable
	Router  *Router
	Session *Session
	Logger  *zap.Logger
}

var (
	defaultOnce sync.Once
	defaultShim *Shim
)

// Default returns the process-wide shim, configured from the environment.
func Default() *Shim {
	defaultOnce.Do(func() {
		real := DefaultRealCalls()
		loop := NewLoop()
		log := Logger()
		defaultShim = &Shim{
			Real:    real,
			Loop:    loop,
			Table:   NewFdTable(real),
			Router:  DefaultRouter(),
			Session: NewEnvSession(loop, log),
			Logger:  log,
		}
	})
	return defaultShim
}

// EffectiveMode returns the mode open(2) reads for flags: only O_CREAT and
// O_TMPFILE take a mode argument.
func EffectiveMode(flags int, mode uint32) uint32 {
	if flags&unix.O_CREAT != 0 || flags&unix.O_TMPFILE == unix.O_TMPFILE {
		return mode
	}
	return 0
}

func (s *Shim) Open(path string, flags int, mode uint32) (int, error) {
	mode = EffectiveMode(flags, mode)
	if s.Loop.InLoop() {
		return s.Real.Open(path, flags, mode)
	}
	comps, ok := s.Router.Classify(path)
	if !ok {
		return s.Real.Open(path, flags, mode)
	}

	fd, err := Inject(s.Loop, func() *Promise[int] {
		return Chain(s.Router.Walk(s.Session, comps, flags), func(n *capNode) *Promise[int] {
			fd, err := s.Table.Add(n)
			if err != nil {
				n.release()
				return Rejected[int](err)
			}
			return Resolved(fd)
		})
	})
	if err != nil {
		s.Logger.Debug("open failed", zap.String("path", path), zap.Error(err))
		return -1, ErrnoFor(err)
	}
	s.Logger.Debug("open", zap.String("path", path), zap.Int("fd", fd))
	return fd, nil
}

// Runs op against the node behind fd, or reports errNotVirtual.
func (s *Shim) withNode(fd int, op func(Node) *Promise[int]) (int, error) {
	return Inject(s.Loop, func() *Promise[int] {
		node, ok := s.Table.Get(fd)
		if !ok {
			return Rejected[int](errNotVirtual)
		}
		return op(node)
	})
}

func (s *Shim) Read(fd int, p []byte) (int, error) {
	if s.Loop.InLoop() {
		return s.Real.Read(fd, p)
	}
	// the table is safe to consult off the loop; most descriptors are real
	if _, ok := s.Table.Get(fd); !ok {
		return s.Real.Read(fd, p)
	}
	n, err := s.withNode(fd, func(node Node) *Promise[int] { return node.Read(p) })
	if errors.Is(err, errNotVirtual) {
		// closed between the lookup and the loop; the reserved descriptor
		// may still be open, so it must not be read or written for real
		return -1, unix.EBADF
	}
	if err != nil {
		s.Logger.Debug("read failed", zap.Int("fd", fd), zap.Error(err))
		return -1, ErrnoFor(err)
	}
	return n, nil
}

func (s *Shim) Write(fd int, p []byte) (int, error) {
	if s.Loop.InLoop() {
		return s.Real.Write(fd, p)
	}
	if _, ok := s.Table.Get(fd); !ok {
		return s.Real.Write(fd, p)
	}
	n, err := s.withNode(fd, func(node Node) *Promise[int] { return node.Write(p) })
	if errors.Is(err, errNotVirtual) {
		return -1, unix.EBADF
	}
	if err != nil {
		s.Logger.Debug("write failed", zap.Int("fd", fd), zap.Error(err))
		return -1, ErrnoFor(err)
	}
	return n, nil
}

// Close releases the node behind a virtual descriptor and then closes the
// descriptor itself, which is a real reserved one either way.
func (s *Shim) Close(fd int) error {
	if s.Loop.InLoop() {
		return s.Real.Close(fd)
	}
	if node, ok := s.Table.Remove(fd); ok {
		if c, ok := node.(NodeCloser); ok {
			_, err := Inject(s.Loop, func() *Promise[struct{}] { return c.Close() })
			if err != nil {
				s.Logger.Debug("close failed", zap.Int("fd", fd), zap.Error(err))
			}
		}
	}
	return s.Real.Close(fd)
}
