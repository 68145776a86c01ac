package ninep

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// A minimal file system of regular files; directories are implied by paths.
type testFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newTestFS(files map[string]string) *testFS {
	f := &testFS{files: make(map[string][]byte)}
	for k, v := range files {
		f.files[k] = []byte(v)
	}
	return f
}

func (f *testFS) isDir(p string) bool {
	if p == "" {
		return true
	}
	for k := range f.files {
		if strings.HasPrefix(k, p+"/") {
			return true
		}
	}
	return false
}

func (f *testFS) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.files[p]; ok {
		return &SimpleFileInfo{FIName: path.Base(p), FISize: int64(len(data)), FIMode: 0644}, nil
	}
	if f.isDir(p) {
		return &SimpleFileInfo{FIName: path.Base(p), FIMode: os.ModeDir | 0755}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (f *testFS) OpenFile(ctx context.Context, p string, flag OpenMode) (FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[p]; !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	if flag&OTRUNC != 0 {
		f.files[p] = nil
	}
	return &testHandle{fs: f, path: p}, nil
}

func (f *testFS) ListDir(ctx context.Context, p string) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := ""
	if p != "" {
		prefix = p + "/"
	}
	seen := make(map[string]bool)
	var names []string
	for k := range f.files {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			name, _, _ := strings.Cut(rest, "/")
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	infos := make([]os.FileInfo, len(names))
	for i, name := range names {
		if data, ok := f.files[prefix+name]; ok {
			infos[i] = &SimpleFileInfo{FIName: name, FISize: int64(len(data)), FIMode: 0644}
		} else {
			infos[i] = &SimpleFileInfo{FIName: name, FIMode: os.ModeDir | 0755}
		}
	}
	return infos, nil
}

type testHandle struct {
	fs   *testFS
	path string
}

func (h *testHandle) ReadAt(p []byte, off int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	data := h.fs.files[h.path]
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	return copy(p, data[off:]), nil
}

func (h *testHandle) WriteAt(p []byte, off int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	data := h.fs.files[h.path]
	if end := int(off) + len(p); end > len(data) {
		data = append(data, make([]byte, end-len(data))...)
	}
	copy(data[off:], p)
	h.fs.files[h.path] = data
	return len(p), nil
}

func (h *testHandle) Close() error { return nil }

////////////////////////////////////////////////

func startServer(t *testing.T, fsys FileSystem) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "9p.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	srv := &Server{NewHandler: FileSystemHandler(fsys, Loggable{})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return "unix!" + sock
}

func connect(t *testing.T, addr string) *Client {
	t.Helper()
	c := &Client{MaxMsgSize: 8192}
	if err := c.Connect(addr); err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func allocFids(t *testing.T, c *Client, n int) []Fid {
	t.Helper()
	fids := make([]Fid, n)
	for i := range fids {
		f, err := c.AllocFid()
		if err != nil {
			t.Fatalf("failed to allocate fid: %s", err)
		}
		fids[i] = f
	}
	return fids
}

var sampleFiles = map[string]string{
	"grain/notes.txt":      "hello from the grain",
	"grain/data/chunk.bin": "0123456789",
	"README":               "top level",
}

func TestClientNegotiatesSmallerMessageSize(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "9p.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	srv := &Server{NewHandler: FileSystemHandler(newTestFS(sampleFiles), Loggable{}), MaxMsgSize: 1024}
	go srv.Serve(ln)
	defer srv.Close()

	c := connect(t, sock)
	if c.MaxMsgSize != 1024 {
		t.Fatalf("expected msize 1024, got %d", c.MaxMsgSize)
	}
	if c.MaxDataSize() != 1024-IOHDRSZ {
		t.Fatalf("expected max data size %d, got %d", 1024-IOHDRSZ, c.MaxDataSize())
	}
}

func TestClientReadWrite(t *testing.T) {
	c := connect(t, startServer(t, newTestFS(sampleFiles)))
	fids := allocFids(t, c, 2)

	if _, err := c.Attach(fids[0], NO_FID, "user", ""); err != nil {
		t.Fatalf("attach failed: %s", err)
	}
	qids, err := c.Walk(fids[0], fids[1], []string{"grain", "notes.txt"})
	if err != nil {
		t.Fatalf("walk failed: %s", err)
	}
	if len(qids) != 2 || !qids[0].Type().IsDir() || qids[1].Type().IsDir() {
		t.Fatalf("unexpected qids: %v", qids)
	}

	if _, _, err := c.Open(fids[1], ORDWR); err != nil {
		t.Fatalf("open failed: %s", err)
	}

	buf := make([]byte, 64)
	n, err := c.Read(fids[1], buf, 0)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if got := string(buf[:n]); got != "hello from the grain" {
		t.Fatalf("unexpected contents: %q", got)
	}

	if _, err := c.Write(fids[1], []byte("HELLO"), 0); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	n, err = c.Read(fids[1], buf, 0)
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if got := string(buf[:n]); got != "HELLO from the grain" {
		t.Fatalf("unexpected contents after write: %q", got)
	}

	n, err = c.Read(fids[1], buf, uint64(n))
	if err != nil || n != 0 {
		t.Fatalf("expected empty read at end of file, got %d, %v", n, err)
	}

	if err := c.Clunk(fids[1]); err != nil {
		t.Fatalf("clunk failed: %s", err)
	}
	if _, err := c.Read(fids[1], buf, 0); !errors.Is(err, ErrUnrecognizedFid) {
		t.Fatalf("expected read after clunk to fail with unknown fid, got %v", err)
	}
}

func TestClientWriteIsChunked(t *testing.T) {
	fsys := newTestFS(map[string]string{"big": ""})
	c := &Client{MaxMsgSize: MIN_MESSAGE_SIZE}
	if err := c.Connect(startServer(t, fsys)); err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	defer c.Close()
	fids := allocFids(t, c, 2)

	if _, err := c.Attach(fids[0], NO_FID, "", ""); err != nil {
		t.Fatalf("attach failed: %s", err)
	}
	if _, err := c.Walk(fids[0], fids[1], []string{"big"}); err != nil {
		t.Fatalf("walk failed: %s", err)
	}
	if _, _, err := c.Open(fids[1], OWRITE); err != nil {
		t.Fatalf("open failed: %s", err)
	}
	data := []byte(strings.Repeat("abcdefgh", 100))
	n, err := c.Write(fids[1], data, 0)
	if err != nil || n != len(data) {
		t.Fatalf("expected to write %d bytes, got %d, %v", len(data), n, err)
	}
	fsys.mu.Lock()
	got := string(fsys.files["big"])
	fsys.mu.Unlock()
	if got != string(data) {
		t.Fatalf("server has %d bytes, expected %d", len(got), len(data))
	}

	if _, err := c.Read(fids[1], make([]byte, 10), 0); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected reading a write-only fid to fail with permission error, got %v", err)
	}
}

func TestClientPipelinedWalk(t *testing.T) {
	c := connect(t, startServer(t, newTestFS(sampleFiles)))

	t.Run("success", func(t *testing.T) {
		fids := allocFids(t, c, 4)
		calls := []*Call{
			c.SendAttach(fids[0], NO_FID, "", ""),
			c.SendWalk(fids[0], fids[1], []string{"grain"}),
			c.SendWalk(fids[1], fids[2], []string{"data"}),
			c.SendWalk(fids[2], fids[3], []string{"chunk.bin"}),
		}
		m, err := calls[3].Wait()
		qids, err := WalkResult(m, err, 1)
		if err != nil {
			t.Fatalf("pipelined walk failed: %s", err)
		}
		if qids[0].Type().IsDir() {
			t.Fatalf("expected a file qid, got %s", qids[0])
		}
		// the server answers in order, so earlier calls are done too
		for i, call := range calls[:3] {
			select {
			case <-call.Done():
			default:
				t.Fatalf("call %d is not done", i)
			}
		}

		if _, _, err := c.Open(fids[3], OREAD); err != nil {
			t.Fatalf("open failed: %s", err)
		}
		buf := make([]byte, 32)
		n, err := c.Read(fids[3], buf, 4)
		if err != nil || string(buf[:n]) != "456789" {
			t.Fatalf("unexpected read: %q, %v", buf[:n], err)
		}
	})

	t.Run("missing leaf", func(t *testing.T) {
		fids := allocFids(t, c, 3)
		c.SendAttach(fids[0], NO_FID, "", "")
		c.SendWalk(fids[0], fids[1], []string{"grain"})
		m, err := c.SendWalk(fids[1], fids[2], []string{"missing"}).Wait()
		if _, err = WalkResult(m, err, 1); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("expected not exist, got %v", err)
		}
	})

	t.Run("missing intermediate", func(t *testing.T) {
		fids := allocFids(t, c, 4)
		c.SendAttach(fids[0], NO_FID, "", "")
		first := c.SendWalk(fids[0], fids[1], []string{"nope"})
		c.SendWalk(fids[1], fids[2], []string{"data"})
		m, err := c.SendWalk(fids[2], fids[3], []string{"chunk.bin"}).Wait()
		if _, err = WalkResult(m, err, 1); !errors.Is(err, ErrUnrecognizedFid) {
			t.Fatalf("expected the failure to propagate as an unknown fid, got %v", err)
		}
		m, err = first.Result()
		if _, err = WalkResult(m, err, 1); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("expected first walk to report not exist, got %v", err)
		}
	})

	t.Run("walk through a file", func(t *testing.T) {
		fids := allocFids(t, c, 2)
		if _, err := c.Attach(fids[0], NO_FID, "", ""); err != nil {
			t.Fatalf("attach failed: %s", err)
		}
		if _, err := c.Walk(fids[0], fids[1], []string{"README", "x"}); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("expected partial walk to fail with not exist, got %v", err)
		}
	})
}

func TestClientStatAndListDir(t *testing.T) {
	c := connect(t, startServer(t, newTestFS(sampleFiles)))
	fids := allocFids(t, c, 2)

	if _, err := c.Attach(fids[0], NO_FID, "", ""); err != nil {
		t.Fatalf("attach failed: %s", err)
	}
	st, err := c.Stat(fids[0])
	if err != nil {
		t.Fatalf("stat failed: %s", err)
	}
	if !st.Mode().IsDir() {
		t.Fatalf("expected root to be a directory: %s", st)
	}

	if _, err := c.Walk(fids[0], fids[1], []string{"grain"}); err != nil {
		t.Fatalf("walk failed: %s", err)
	}
	if _, _, err := c.Open(fids[1], OWRITE); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected writing a directory to be refused, got %v", err)
	}
	if _, _, err := c.Open(fids[1], OREAD); err != nil {
		t.Fatalf("open failed: %s", err)
	}

	var names []string
	buf := make([]byte, c.MaxDataSize())
	var offset uint64
	for {
		n, err := c.Read(fids[1], buf, offset)
		if err != nil {
			t.Fatalf("read dir failed: %s", err)
		}
		if n == 0 {
			break
		}
		offset += uint64(n)
		for b := buf[:n]; len(b) > 0; {
			st := Stat(b)
			names = append(names, st.Name())
			b = b[st.Nbytes():]
		}
	}
	if strings.Join(names, ",") != "data,notes.txt" {
		t.Fatalf("unexpected directory entries: %v", names)
	}
}

func TestClientFailsPendingCallsWhenConnectionDrops(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		mb, err := readMsg(server, DEFAULT_MAX_MESSAGE_SIZE)
		if err != nil {
			return
		}
		req := Tversion(mb)
		writeMsg(server, encodeRversion(nil, NO_TAG, req.MsgSize(), VERSION_9P2000))
		// swallow one request then hang up
		readMsg(server, DEFAULT_MAX_MESSAGE_SIZE)
		server.Close()
	}()

	c := &Client{}
	if err := c.ConnectConn(client); err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	call := c.SendAttach(0, NO_FID, "", "")
	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pending call was never failed")
	}
	if _, err := call.Result(); err == nil {
		t.Fatalf("expected pending call to fail")
	}

	if _, err := c.SendClunk(0).Wait(); err == nil {
		t.Fatalf("expected calls after the connection dropped to fail")
	}
}

func TestClientWriteFailureSettlesCall(t *testing.T) {
	sock := startServer(t, newTestFS(sampleFiles))
	network, addr := ParseDialString(sock)
	conn, err := net.Dial(network, addr)
	if err != nil {
		t.Fatalf("failed to dial: %s", err)
	}
	flaky := &flakyConn{Conn: conn, MaxDelay: time.Millisecond, DropAfter: 64}
	c := &Client{}
	if err := c.ConnectConn(flaky); err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	defer c.Close()

	long := []string{strings.Repeat("x", 100)}
	if _, err := c.SendWalk(0, 1, long).Wait(); err == nil {
		t.Fatalf("expected the request to fail once the connection dropped")
	}
}

func TestAllocFidIsUnique(t *testing.T) {
	var c Client
	seen := make(map[Fid]bool)
	for i := 0; i < 100; i++ {
		f, err := c.AllocFid()
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if seen[f] {
			t.Fatalf("fid %s allocated twice", f)
		}
		seen[f] = true
	}
	c.ReleaseFid(5)
	if _, err := c.AllocFid(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}
