package ninep

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"time"
)

// Writes the reply for the request being handled. Exactly one of the
// methods should be called per request.
type Replier interface {
	Rattach(q Qid)
	Rwalk(wqids []Qid)
	Ropen(q Qid, iounit uint32)
	// A buffer sized to the largest data an Rread can carry for the request.
	RreadBuffer() []byte
	Rread(data []byte)
	Rwrite(count uint32)
	Rclunk()
	Rstat(s Stat)
	Rerror(err error)
}

type Handler interface {
	Handle9P(ctx context.Context, req Message, w Replier)
}

// Handlers that hold per connection state (eg - opened files) can implement
// this to release it when the connection goes away.
type HandlerCloser interface {
	Handler
	Close() error
}

/////////////////////////////////////////////////////////////

type Server struct {
	Loggable

	// Creates the handler for a new connection. Fids are scoped to a
	// connection, so each connection gets its own handler.
	NewHandler func() Handler

	MaxMsgSize uint32

	mut       sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	cancel    context.CancelFunc
	ctx       context.Context
	closed    bool
}

func (s *Server) init() {
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.listeners = make(map[net.Listener]struct{})
		s.conns = make(map[net.Conn]struct{})
	}
}

func (s *Server) track(l net.Listener) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.init()
	if s.closed {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) trackConn(c net.Conn, add bool) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	return true
}

// Serve accepts connections from l until it fails or the server is closed.
// Each connection is served in its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	if !s.track(l) {
		l.Close()
		return ErrServerClosed
	}
	defer func() {
		s.mut.Lock()
		delete(s.listeners, l)
		s.mut.Unlock()
	}()

	s.Tracef("listening on %s", l.Addr())
	retries := 0
	const maxWait = 2 * time.Second
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			if isTemporaryErr(err) {
				retries++
				wait := time.Duration(math.Min(float64(5*time.Millisecond)*math.Pow(2, float64(retries)), float64(maxWait)))
				s.Tracef("accept error: %s; retrying in %v", err, wait)
				time.Sleep(wait)
				continue
			}
			return err
		}
		retries = 0

		if !s.trackConn(conn, true) {
			conn.Close()
			return ErrServerClosed
		}
		s.Tracef("accepted connection from %s", conn.RemoteAddr())
		sess := &serverSession{
			Loggable:   s.Loggable,
			rwc:        conn,
			handler:    s.NewHandler(),
			maxMsgSize: s.maxMsgSize(),
			ctx:        s.ctx,
		}
		go func() {
			sess.serve()
			s.trackConn(conn, false)
		}()
	}
}

// ListenAndServe listens on the given dial string (see ParseDialString).
func (s *Server) ListenAndServe(addr string, d Dialer) error {
	if d == nil {
		d = &NetDialer{}
	}
	network, address := ParseDialString(addr)
	ln, err := d.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Close stops all listeners and drops every connection.
func (s *Server) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.init()
	s.closed = true
	s.cancel()
	var errs []error
	for l := range s.listeners {
		errs = append(errs, l.Close())
	}
	for c := range s.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (s *Server) maxMsgSize() uint32 {
	if s.MaxMsgSize < MIN_MESSAGE_SIZE {
		return DEFAULT_MAX_MESSAGE_SIZE
	}
	return s.MaxMsgSize
}

/////////////////////////////////////////////////////////////

// Requests of a connection are handled one at a time, in the order they
// arrive. Clients rely on this to pipeline requests that depend on fids
// named by earlier requests.
type serverSession struct {
	Loggable

	rwc     net.Conn
	handler Handler
	ctx     context.Context

	maxMsgSize uint32
}

func (s *serverSession) acceptTversion() bool {
	for {
		mb, err := readMsg(s.rwc, s.maxMsgSize)
		if err != nil {
			s.Errorf("failed to negotiate version: error when reading: %s", err)
			return false
		}

		request, ok := typedMessage(mb).(Tversion)
		if !ok {
			s.Errorf("failed to negotiate version: unexpected message type: %s", mb.Type())
			writeMsg(s.rwc, encodeRerror(nil, mb.Tag(), "expected Tversion"))
			return false
		}

		if request.Tag() != NO_TAG {
			s.Errorf("Client sent bad tag (got: %d, wanted: NO_TAG/%d)", request.Tag(), NO_TAG)
			return false
		}

		if request.MsgSize() < MIN_MESSAGE_SIZE {
			s.Errorf("Client requested a message size below minimum (got: %d, min: %d)", request.MsgSize(), MIN_MESSAGE_SIZE)
			return false
		}

		size := s.maxMsgSize
		if request.MsgSize() < size {
			size = request.MsgSize()
		}

		version := VERSION_9P2000
		if !strings.HasPrefix(request.Version(), VERSION_9P) {
			version = "unknown"
			s.Tracef("negotiate version: unrecognized protocol version: got %q, wanted %q", request.Version(), VERSION_9P2000)
		}

		if err = writeMsg(s.rwc, encodeRversion(nil, NO_TAG, size, version)); err != nil {
			s.Errorf("failed to negotiate version: %s", err)
			return false
		}

		if version != "unknown" {
			s.maxMsgSize = size
			return true
		}
	}
}

// this runs in a new goroutine
func (s *serverSession) serve() {
	defer s.rwc.Close()
	if c, ok := s.handler.(HandlerCloser); ok {
		defer c.Close()
	}

	if !s.acceptTversion() {
		return
	}

	w := &replier{maxMsgSize: s.maxMsgSize}
	for {
		mb, err := readMsg(s.rwc, s.maxMsgSize)
		if err != nil {
			if !isClosedSocket(err) {
				s.Errorf("failed to read message: %s", err)
			}
			break
		}

		if s.ctx.Err() != nil {
			s.Tracef("received shutdown signal, erroring request from %s", s.rwc.RemoteAddr())
			writeMsg(s.rwc, encodeRerror(nil, mb.Tag(), ErrServerClosed.Error()))
			break
		}

		w.reset(mb)
		switch m := typedMessage(mb).(type) {
		case MsgBase:
			w.Rerror(ErrNotImplemented)
		case Tversion:
			// renegotiation would reset the session; we only support one
			w.Rerror(ErrUnsupported)
		default:
			s.handler.Handle9P(s.ctx, m, w)
			if w.out == nil {
				w.Rerror(ErrNotImplemented)
			}
		}

		if err = writeMsg(s.rwc, w.out); err != nil {
			if !isClosedSocket(err) {
				s.Errorf("failed to write message: %s", err)
			}
			break
		}
	}

	s.Tracef("closing connection from %s", s.rwc.RemoteAddr())
}

/////////////////////////////////////////////////////////////

type replier struct {
	maxMsgSize uint32
	req        MsgBase
	readBuf    []byte
	out        []byte
}

func (r *replier) reset(req MsgBase) {
	r.req = req
	r.out = nil
}

func (r *replier) tag() Tag { return r.req.Tag() }

func (r *replier) Rattach(q Qid)       { r.out = encodeRattach(nil, r.tag(), q) }
func (r *replier) Rwalk(wqids []Qid)   { r.out = encodeRwalk(nil, r.tag(), wqids) }
func (r *replier) Rwrite(count uint32) { r.out = encodeRwrite(nil, r.tag(), count) }
func (r *replier) Rclunk()             { r.out = encodeRclunk(nil, r.tag()) }
func (r *replier) Rstat(s Stat)        { r.out = encodeRstat(nil, r.tag(), s) }
func (r *replier) Rread(data []byte)   { r.out = encodeRread(nil, r.tag(), data) }

func (r *replier) Ropen(q Qid, iounit uint32) {
	r.out = encodeRopen(nil, r.tag(), q, iounit)
}

func (r *replier) Rerror(err error) {
	r.out = encodeRerror(nil, r.tag(), underlyingError(err))
}

func (r *replier) RreadBuffer() []byte {
	size := r.maxMsgSize - IOHDRSZ
	if t, ok := typedMessage(r.req).(Tread); ok && t.Count() < size {
		size = t.Count()
	}
	if cap(r.readBuf) < int(size) {
		r.readBuf = make([]byte, size)
	}
	return r.readBuf[:size]
}
