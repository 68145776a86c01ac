package ninep

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"sync"
)

// A request that has been written to the server. The reply arrives
// asynchronously; Done() is closed once Result() is available.
//
// Calls are how requests are pipelined: the caller may issue several calls
// that depend on each other (eg - Twalk on a fid named by a previous Twalk)
// and only wait on the last one.
type Call struct {
	Tag  Tag
	Type MsgType

	once  sync.Once
	done  chan struct{}
	reply Message
	err   error
}

func newFailedCall(t MsgType, err error) *Call {
	c := &Call{Tag: NO_TAG, Type: t, done: make(chan struct{})}
	c.settle(nil, err)
	return c
}

func (c *Call) Done() <-chan struct{} { return c.done }

// Returns the reply. Only valid once Done() is closed.
func (c *Call) Result() (Message, error) { return c.reply, c.err }

// Blocks until the reply arrives.
func (c *Call) Wait() (Message, error) {
	<-c.done
	return c.reply, c.err
}

// Only the first settle wins.
func (c *Call) settle(reply Message, err error) {
	c.once.Do(func() {
		c.reply, c.err = reply, err
		close(c.done)
	})
}

// A 9P client that supports low-level operations. Every request can be
// issued without waiting for the previous one, using client chosen fids.
type Client struct {
	Loggable

	MaxMsgSize uint32
	Dialer     Dialer

	rwc net.Conn
	wmu sync.Mutex

	mut     sync.Mutex
	calls   map[Tag]*Call
	nextTag Tag
	readErr error

	fidMut   sync.Mutex
	usedFids map[Fid]bool
	nextFid  Fid
}

// Connect dials the given dial string (see ParseDialString) and negotiates
// the protocol version.
func (c *Client) Connect(addr string) error {
	d := c.Dialer
	if d == nil {
		d = &NetDialer{}
	}
	network, address := ParseDialString(addr)
	conn, err := d.Dial(network, address)
	if err != nil {
		return err
	}
	if err = c.ConnectConn(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// ConnectConn negotiates the protocol over an already established connection
// and starts reading replies in the background.
func (c *Client) ConnectConn(conn net.Conn) error {
	c.rwc = conn
	if c.MaxMsgSize < MIN_MESSAGE_SIZE {
		c.MaxMsgSize = DEFAULT_MAX_MESSAGE_SIZE
	}

	c.mut.Lock()
	c.calls = make(map[Tag]*Call)
	c.readErr = nil
	c.mut.Unlock()

	if err := c.acceptRversion(); err != nil {
		return err
	}

	go c.readLoop()
	return nil
}

func (c *Client) Close() error {
	if c.rwc == nil {
		return nil
	}
	return c.rwc.Close()
}

func (c *Client) acceptRversion() error {
	c.Tracef("Tversion(%d, %s)", c.MaxMsgSize, VERSION_9P2000)
	req := encodeTversion(nil, NO_TAG, c.MaxMsgSize, VERSION_9P2000)
	if err := writeMsg(c.rwc, req); err != nil {
		c.Errorf("failed to write version: %s", err)
		return err
	}

	mb, err := readMsg(c.rwc, c.MaxMsgSize)
	if err != nil {
		c.Errorf("failed to read version: %s", err)
		return err
	}

	reply, ok := typedMessage(mb).(Rversion)
	if !ok {
		c.Errorf("failed to negotiate version: unexpected message type: %s", mb.Type())
		return ErrBadFormat
	}

	if !strings.HasPrefix(reply.Version(), VERSION_9P) {
		c.Errorf("unsupported server version: %s", reply.Version())
		return ErrBadFormat
	}

	size := reply.MsgSize()
	if size > c.MaxMsgSize {
		c.Errorf("server returned size higher than client gave: (server: %d > client: %d)", size, c.MaxMsgSize)
		return ErrBadFormat
	}
	if size < MIN_MESSAGE_SIZE {
		c.Errorf("server returned size below minimum: (server: %d < min: %d)", size, MIN_MESSAGE_SIZE)
		return ErrBadFormat
	}
	c.MaxMsgSize = size
	c.Tracef("Rversion(%d, %s)", size, reply.Version())
	return nil
}

// The largest payload a single Tread or Twrite can carry.
func (c *Client) MaxDataSize() uint32 { return c.MaxMsgSize - IOHDRSZ }

func (c *Client) readLoop() {
	for {
		mb, err := readMsg(c.rwc, c.MaxMsgSize)
		if err != nil {
			if !isClosedSocket(err) {
				c.Errorf("Error reading from server: %s", err)
			}
			c.abortCalls(err)
			return
		}

		c.mut.Lock()
		call, ok := c.calls[mb.Tag()]
		delete(c.calls, mb.Tag())
		c.mut.Unlock()

		if !ok {
			c.Errorf("Server returned unrecognized tag: %d", mb.Tag())
			continue
		}
		c.Tracef("%s <- tag %d", mb.Type(), mb.Tag())
		call.settle(typedMessage(mb), nil)
	}
}

func (c *Client) abortCalls(err error) {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	c.mut.Lock()
	pending := c.calls
	c.calls = make(map[Tag]*Call)
	c.readErr = err
	c.mut.Unlock()

	for _, call := range pending {
		call.settle(nil, err)
	}
}

// Registers a new call under a free tag.
func (c *Client) allocCall(t MsgType) (*Call, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	if c.calls == nil {
		return nil, net.ErrClosed
	}
	if len(c.calls) >= int(NO_TAG) {
		return nil, ErrNoTagsAvailable
	}
	for {
		tag := c.nextTag
		c.nextTag++
		if c.nextTag == NO_TAG {
			c.nextTag = 0
		}
		if _, used := c.calls[tag]; !used {
			call := &Call{Tag: tag, Type: t, done: make(chan struct{})}
			c.calls[tag] = call
			return call, nil
		}
	}
}

func (c *Client) dropCall(call *Call) {
	c.mut.Lock()
	if c.calls[call.Tag] == call {
		delete(c.calls, call.Tag)
	}
	c.mut.Unlock()
}

// Writes a request and returns without waiting for the reply.
func (c *Client) send(t MsgType, encode func(buf []byte, tag Tag) []byte) *Call {
	call, err := c.allocCall(t)
	if err != nil {
		return newFailedCall(t, err)
	}
	msg := encode(nil, call.Tag)
	if uint32(len(msg)) > c.MaxMsgSize {
		c.dropCall(call)
		call.settle(nil, ErrMessageTooLarge)
		return call
	}

	c.wmu.Lock()
	err = writeMsg(c.rwc, msg)
	c.wmu.Unlock()
	if err != nil {
		c.Errorf("%s: failed to write request: %s", t, err)
		c.dropCall(call)
		call.settle(nil, err)
	}
	return call
}

func (c *Client) SendAttach(fid, afid Fid, user, mnt string) *Call {
	c.Tracef("Tattach(%s, %s, %q, %q)", fid, afid, user, mnt)
	return c.send(msgTattach, func(b []byte, t Tag) []byte {
		return encodeTattach(b, t, fid, afid, user, mnt)
	})
}

func (c *Client) SendWalk(fid, newfid Fid, names []string) *Call {
	c.Tracef("Twalk(%s -> %s, %q)", fid, newfid, names)
	return c.send(msgTwalk, func(b []byte, t Tag) []byte {
		return encodeTwalk(b, t, fid, newfid, names)
	})
}

func (c *Client) SendOpen(fid Fid, m OpenMode) *Call {
	c.Tracef("Topen(%s, %s)", fid, m)
	return c.send(msgTopen, func(b []byte, t Tag) []byte {
		return encodeTopen(b, t, fid, m)
	})
}

// Count is clamped to what fits in a single message.
func (c *Client) SendRead(fid Fid, offset uint64, count uint32) *Call {
	if max := c.MaxDataSize(); count > max {
		count = max
	}
	c.Tracef("Tread(%s, offset=%d, count=%d)", fid, offset, count)
	return c.send(msgTread, func(b []byte, t Tag) []byte {
		return encodeTread(b, t, fid, offset, count)
	})
}

// Data is truncated to what fits in a single message; the reply reports how
// much was written.
func (c *Client) SendWrite(fid Fid, offset uint64, data []byte) *Call {
	if max := int(c.MaxDataSize()); len(data) > max {
		data = data[:max]
	}
	c.Tracef("Twrite(%s, offset=%d, count=%d)", fid, offset, len(data))
	return c.send(msgTwrite, func(b []byte, t Tag) []byte {
		return encodeTwrite(b, t, fid, offset, data)
	})
}

func (c *Client) SendClunk(fid Fid) *Call {
	c.Tracef("Tclunk(%s)", fid)
	return c.send(msgTclunk, func(b []byte, t Tag) []byte {
		return encodeTclunk(b, t, fid)
	})
}

func (c *Client) SendStat(fid Fid) *Call {
	c.Tracef("Tstat(%s)", fid)
	return c.send(msgTstat, func(b []byte, t Tag) []byte {
		return encodeTstat(b, t, fid)
	})
}

////////////////////////////////////////////////////////////////////////
// reply decoding

// Returns the reply as T, converting Rerror replies into errors.
func expectReply[T Message](m Message, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	switch r := m.(type) {
	case T:
		return r, nil
	case Rerror:
		return zero, r.Error()
	default:
		return zero, fmt.Errorf("%w: unexpected reply %T", ErrBadFormat, m)
	}
}

func AttachResult(m Message, err error) (Qid, error) {
	r, err := expectReply[Rattach](m, err)
	if err != nil {
		return nil, err
	}
	return r.Qid().Clone(), nil
}

// Returns the qids walked. A walk that stopped short of nwname elements
// reports fs.ErrNotExist, as the new fid was not created.
func WalkResult(m Message, err error, nwname int) ([]Qid, error) {
	r, err := expectReply[Rwalk](m, err)
	if err != nil {
		return nil, err
	}
	size := int(r.NumWqid())
	qids := make([]Qid, size)
	for i := range qids {
		qids[i] = r.Wqid(i).Clone()
	}
	if size != nwname {
		return qids, fs.ErrNotExist
	}
	return qids, nil
}

func OpenResult(m Message, err error) (q Qid, iounit uint32, e error) {
	r, err := expectReply[Ropen](m, err)
	if err != nil {
		return nil, 0, err
	}
	return r.Qid().Clone(), r.Iounit(), nil
}

// Copies the read data into p.
func ReadResult(m Message, err error, p []byte) (int, error) {
	r, err := expectReply[Rread](m, err)
	if err != nil {
		return 0, err
	}
	return copy(p, r.Data()), nil
}

func WriteResult(m Message, err error) (int, error) {
	r, err := expectReply[Rwrite](m, err)
	if err != nil {
		return 0, err
	}
	return int(r.Count()), nil
}

func ClunkResult(m Message, err error) error {
	_, err = expectReply[Rclunk](m, err)
	return err
}

func StatResult(m Message, err error) (Stat, error) {
	r, err := expectReply[Rstat](m, err)
	if err != nil {
		return nil, err
	}
	return r.Stat().Clone(), nil
}

////////////////////////////////////////////////////////////////////////
// blocking helpers

func (c *Client) Attach(fid, afid Fid, user, mnt string) (Qid, error) {
	return AttachResult(c.SendAttach(fid, afid, user, mnt).Wait())
}

func (c *Client) Walk(fid, newfid Fid, names []string) ([]Qid, error) {
	m, err := c.SendWalk(fid, newfid, names).Wait()
	return WalkResult(m, err, len(names))
}

func (c *Client) Open(fid Fid, m OpenMode) (Qid, uint32, error) {
	return OpenResult(c.SendOpen(fid, m).Wait())
}

func (c *Client) Read(fid Fid, p []byte, offset uint64) (int, error) {
	m, err := c.SendRead(fid, offset, uint32(len(p))).Wait()
	return ReadResult(m, err, p)
}

// Like io.Writer: writes all of data (across several messages if needed),
// or returns an error.
func (c *Client) Write(fid Fid, data []byte, offset uint64) (int, error) {
	wrote := 0
	for wrote < len(data) {
		n, err := WriteResult(c.SendWrite(fid, offset, data[wrote:]).Wait())
		wrote += n
		offset += uint64(n)
		if err != nil {
			return wrote, err
		}
		if n == 0 {
			return wrote, io.ErrShortWrite
		}
	}
	return wrote, nil
}

func (c *Client) Clunk(fid Fid) error {
	return ClunkResult(c.SendClunk(fid).Wait())
}

func (c *Client) Stat(fid Fid) (Stat, error) {
	return StatResult(c.SendStat(fid).Wait())
}

////////////////////////////////////////////////////////////////////////
// fids

// Picks an unused fid. Fids are named by the client, which is what allows
// requests on a fid to be sent before the request creating it is answered.
func (c *Client) AllocFid() (Fid, error) {
	c.fidMut.Lock()
	defer c.fidMut.Unlock()
	if c.usedFids == nil {
		c.usedFids = make(map[Fid]bool)
	}
	if len(c.usedFids) >= MAX_FID {
		return NO_FID, ErrNoFidsAvailable
	}
	for {
		f := c.nextFid
		c.nextFid++
		if c.nextFid > MAX_FID {
			c.nextFid = 0
		}
		if !c.usedFids[f] {
			c.usedFids[f] = true
			return f, nil
		}
	}
}

func (c *Client) ReleaseFid(f Fid) {
	c.fidMut.Lock()
	delete(c.usedFids, f)
	c.fidMut.Unlock()
}

// Sends Tclunk for the fid and releases it once the server replied,
// without blocking the caller.
func (c *Client) Forget(f Fid) {
	call := c.SendClunk(f)
	go func() {
		if err := ClunkResult(call.Wait()); err != nil && !errors.Is(err, ErrUnrecognizedFid) {
			c.Errorf("Tclunk(%s): %s", f, err)
		}
		c.ReleaseFid(f)
	}()
}
