package preload

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jeffh/vfspreload/ninep"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	cwd := "/"
	r := &Router{Mount: DefaultMount, Getwd: func() (string, error) { return cwd, nil }}

	tests := []struct {
		path    string
		cwd     string
		virtual bool
		comps   string
	}{
		{"/sandstorm-magic/a/b", "/", true, "a/b"},
		{"/sandstorm-magic", "/", true, ""},
		{"/sandstorm-magic/", "/", true, ""},
		{"//sandstorm-magic//a/./b", "/", true, "a/b"},
		{"/sandstorm-magic/a/../b", "/", true, "a/b"},
		{"/sandstorm-magicx/a", "/", false, ""},
		{"/sandstorm", "/", false, ""},
		{"/etc/passwd", "/", false, ""},
		{"a/b", "/sandstorm-magic", true, "a/b"},
		{"sandstorm-magic/a", "/", true, "a"},
		{"a/b", "/tmp", false, ""},
		{"a/b", "relative", false, ""},
	}
	for _, tc := range tests {
		cwd = tc.cwd
		comps, ok := r.Classify(tc.path)
		if ok != tc.virtual {
			t.Errorf("Classify(%q) in %q: virtual = %v, want %v", tc.path, tc.cwd, ok, tc.virtual)
			continue
		}
		if got := strings.Join(comps, "/"); ok && got != tc.comps {
			t.Errorf("Classify(%q) in %q = %q, want %q", tc.path, tc.cwd, got, tc.comps)
		}
	}
}

func TestClassifyWithoutWorkingDirectory(t *testing.T) {
	r := &Router{Mount: DefaultMount, Getwd: func() (string, error) { return "", unix.ENOENT }}
	if _, ok := r.Classify("sandstorm-magic/a"); ok {
		t.Fatalf("relative path without a cwd should not be virtual")
	}
	if _, ok := r.Classify("/sandstorm-magic/a"); !ok {
		t.Fatalf("absolute path should not need a cwd")
	}
}

func TestWalkErrno(t *testing.T) {
	if e := walkErrno(ninep.ErrReadNotAllowed); e != unix.EACCES {
		t.Errorf("permission failure mapped to %s", e)
	}
	for _, err := range []error{ninep.ErrWalkNotDir, io.ErrUnexpectedEOF, unix.ECONNREFUSED} {
		if e := walkErrno(err); e != unix.ENOENT {
			t.Errorf("walkErrno(%v) = %s, want ENOENT", err, e)
		}
	}
}

////////////////////////////////////////////////
// A scripted 9P peer for checking what is on the wire.

type pipeDialer struct{ conn net.Conn }

func (d pipeDialer) Dial(network, addr string) (net.Conn, error)       { return d.conn, nil }
func (d pipeDialer) Listen(network, addr string) (net.Listener, error) { return nil, errors.New("unsupported") }

type rawMsg struct {
	typ  byte
	tag  uint16
	body []byte
}

func readRaw(r io.Reader) (rawMsg, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rawMsg{}, err
	}
	body := make([]byte, binary.LittleEndian.Uint32(hdr[:4])-7)
	if _, err := io.ReadFull(r, body); err != nil {
		return rawMsg{}, err
	}
	return rawMsg{hdr[4], binary.LittleEndian.Uint16(hdr[5:]), body}, nil
}

func writeRaw(w io.Writer, typ byte, tag uint16, body []byte) error {
	msg := make([]byte, 7, 7+len(body))
	binary.LittleEndian.PutUint32(msg, uint32(7+len(body)))
	msg[4] = typ
	binary.LittleEndian.PutUint16(msg[5:], tag)
	_, err := w.Write(append(msg, body...))
	return err
}

func rawQid(dir bool, path uint64) []byte {
	q := make([]byte, 13)
	if dir {
		q[0] = 0x80
	}
	binary.LittleEndian.PutUint64(q[5:], path)
	return q
}

const (
	rawTversion = 100
	rawRversion = 101
	rawTattach  = 104
	rawRattach  = 105
	rawTwalk    = 110
	rawRwalk    = 111
	rawTclunk   = 120
	rawRclunk   = 121
)

func TestWalkPipelinesEveryRequest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	comps := []string{"a", "b", "c"}
	clunked := make(chan uint32, 8)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		m, err := readRaw(serverConn)
		if err != nil || m.typ != rawTversion {
			t.Errorf("expected Tversion, got %v (%v)", m.typ, err)
			return
		}
		version := []byte{0, 0, 0, 0, 6, 0}
		binary.LittleEndian.PutUint32(version, 8192)
		if err := writeRaw(serverConn, rawRversion, m.tag, append(version, "9P2000"...)); err != nil {
			t.Errorf("write Rversion: %s", err)
			return
		}

		// nothing is answered until the whole chain has arrived
		serverConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var reqs []rawMsg
		for i := 0; i < 1+len(comps); i++ {
			m, err := readRaw(serverConn)
			if err != nil {
				t.Errorf("request %d never arrived before any reply: %s", i, err)
				return
			}
			reqs = append(reqs, m)
		}
		serverConn.SetReadDeadline(time.Time{})

		if reqs[0].typ != rawTattach {
			t.Errorf("first request type = %d, want Tattach", reqs[0].typ)
			return
		}
		prev := binary.LittleEndian.Uint32(reqs[0].body)
		for i, w := range reqs[1:] {
			if w.typ != rawTwalk {
				t.Errorf("request %d type = %d, want Twalk", i+1, w.typ)
				return
			}
			fid := binary.LittleEndian.Uint32(w.body[0:])
			newfid := binary.LittleEndian.Uint32(w.body[4:])
			nwname := binary.LittleEndian.Uint16(w.body[8:])
			name := string(w.body[12:])
			if fid != prev || nwname != 1 || name != comps[i] {
				t.Errorf("Twalk %d = (fid %d, newfid %d, %q), want fid %d and %q", i, fid, newfid, name, prev, comps[i])
			}
			prev = newfid
		}

		writeRaw(serverConn, rawRattach, reqs[0].tag, rawQid(true, 1))
		for i, w := range reqs[1:] {
			isDir := i < len(comps)-1
			writeRaw(serverConn, rawRwalk, w.tag, append([]byte{1, 0}, rawQid(isDir, uint64(i+2))...))
		}

		for {
			m, err := readRaw(serverConn)
			if err != nil {
				return
			}
			if m.typ == rawTclunk {
				clunked <- binary.LittleEndian.Uint32(m.body)
				writeRaw(serverConn, rawRclunk, m.tag, nil)
			}
		}
	}()

	loop := NewLoop()
	sess := NewSession(loop, Config{Addr: "pipe", Dialer: pipeDialer{clientConn}}, zap.NewNop())
	r := &Router{Mount: DefaultMount}
	node, err := Inject(loop, func() *Promise[*capNode] { return r.Walk(sess, comps, unix.O_RDONLY) })
	if err != nil {
		t.Fatalf("Walk: %s", err)
	}
	if node.qid.Type().IsDir() {
		t.Fatalf("walk reached a directory, expected the leaf file")
	}

	// the root and the two intermediate fids are released
	seen := map[uint32]bool{}
	for i := 0; i < len(comps); i++ {
		select {
		case fid := <-clunked:
			if fid == uint32(node.fid) {
				t.Fatalf("the walked fid was clunked")
			}
			seen[fid] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d intermediate fids were clunked", len(seen))
		}
	}
	if len(seen) != len(comps) {
		t.Fatalf("clunked %v", seen)
	}
}
