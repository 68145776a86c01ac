package preload

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Returned (as a panic value) when Inject is called from the loop itself,
// which would otherwise deadlock.
var ErrReentrantInject = errors.New("preload: Inject called on the event loop thread")

// Loop runs posted work one task at a time on a single goroutine locked to
// its own OS thread. It starts on first use and never exits.
type Loop struct {
	startOnce sync.Once
	ready     chan struct{}
	tid       atomic.Int64

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		ready: make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
}

func (l *Loop) start() {
	l.startOnce.Do(func() {
		go l.run()
		<-l.ready
	})
}

func (l *Loop) run() {
	// never unlocked: the thread belongs to the loop for the life of the
	// process
	runtime.LockOSThread()
	l.tid.Store(int64(unix.Gettid()))
	close(l.ready)

	for range l.wake {
		for {
			l.mu.Lock()
			tasks := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(tasks) == 0 {
				break
			}
			for _, fn := range tasks {
				fn()
			}
		}
	}
}

// Post schedules fn to run on the loop. It never blocks, so it is safe to
// call from the loop itself.
func (l *Loop) Post(fn func()) {
	l.start()
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// InLoop reports whether the caller is running on the loop's thread.
func (l *Loop) InLoop() bool {
	tid := l.tid.Load()
	return tid != 0 && tid == int64(unix.Gettid())
}

// Inject runs work on the loop and blocks the caller until the promise it
// returns settles. Calling it from the loop panics with ErrReentrantInject.
func Inject[T any](l *Loop, work func() *Promise[T]) (T, error) {
	if l.InLoop() {
		panic(ErrReentrantInject)
	}
	var (
		value T
		err   error
	)
	done := make(chan struct{})
	l.Post(func() {
		work().Then(func(v T, e error) {
			value, err = v, e
			close(done)
		})
	})
	<-done
	return value, err
}
