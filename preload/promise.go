package preload

// A value that becomes available later. Promises are not safe for concurrent
// use: they are created, settled and observed on the event loop only.
type Promise[T any] struct {
	done      bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewPromise returns a pending promise and the function that settles it.
// Settling more than once has no effect.
func NewPromise[T any]() (*Promise[T], func(T, error)) {
	p := &Promise[T]{}
	return p, p.settle
}

func Resolved[T any](v T) *Promise[T] {
	return &Promise[T]{done: true, value: v}
}

func Rejected[T any](err error) *Promise[T] {
	return &Promise[T]{done: true, err: err}
}

func (p *Promise[T]) settle(v T, err error) {
	if p.done {
		return
	}
	p.done, p.value, p.err = true, v, err
	cbs := p.callbacks
	p.callbacks = nil
	for _, cb := range cbs {
		cb(v, err)
	}
}

// Then calls fn once the promise settles, immediately if it already has.
func (p *Promise[T]) Then(fn func(T, error)) {
	if p.done {
		fn(p.value, p.err)
		return
	}
	p.callbacks = append(p.callbacks, fn)
}

func (p *Promise[T]) Settled() bool { return p.done }

// Result is only meaningful once Settled() is true.
func (p *Promise[T]) Result() (T, error) { return p.value, p.err }

// Chain runs fn with the value of p and settles with fn's promise. Errors
// skip fn and propagate.
func Chain[T, U any](p *Promise[T], fn func(T) *Promise[U]) *Promise[U] {
	next, resolve := NewPromise[U]()
	p.Then(func(v T, err error) {
		if err != nil {
			var zero U
			resolve(zero, err)
			return
		}
		fn(v).Then(resolve)
	})
	return next
}

// Await settles a promise on the loop once done is closed, with the value
// returned by result. It must be called on the loop.
func Await[T any](l *Loop, done <-chan struct{}, result func() (T, error)) *Promise[T] {
	p, resolve := NewPromise[T]()
	select {
	case <-done:
		resolve(result())
		return p
	default:
	}
	go func() {
		<-done
		l.Post(func() { resolve(result()) })
	}()
	return p
}
