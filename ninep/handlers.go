package ninep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// The number of paths the default QidPool remembers.
const DefaultQidPoolSize = 4096

////////////////////////////////////////////////

// Serves the stat entries of a directory as a read-only file.
type directoryHandle struct {
	ctx     context.Context
	fs      FileSystem
	qids    *QidPool
	path    string
	offset  int64
	index   int
	entries []Stat
	fetched bool
}

func (h *directoryHandle) ReadAt(p []byte, offset int64) (int, error) {
	if offset == 0 {
		h.offset = 0
		h.index = 0
		h.fetched = false
	}
	if h.offset != offset {
		return 0, fmt.Errorf("%w: directory reads must continue at the previous offset", fs.ErrInvalid)
	}
	if !h.fetched {
		infos, err := h.fs.ListDir(h.ctx, h.path)
		if err != nil {
			return 0, err
		}
		h.entries = make([]Stat, len(infos))
		for i, info := range infos {
			q := h.qids.Put(path.Join(h.path, info.Name()), ModeFromOS(info.Mode()).QidType())
			h.entries[i] = StatFromFileInfo(q, info)
		}
		h.fetched = true
	}

	// only whole entries are returned
	n := 0
	for h.index < len(h.entries) {
		st := h.entries[h.index]
		if n+st.Nbytes() > len(p) {
			break
		}
		n += copy(p[n:], st.Bytes())
		h.index++
	}
	if n == 0 && h.index < len(h.entries) {
		return 0, fmt.Errorf("%w: read buffer too small for directory entry", fs.ErrInvalid)
	}
	h.offset += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (h *directoryHandle) WriteAt(p []byte, offset int64) (int, error) {
	return 0, ErrWriteNotAllowed
}

func (h *directoryHandle) Close() error {
	h.entries = nil
	h.fetched = false
	return nil
}

////////////////////////////////////////////////

type fidState struct {
	path string
	user string
	mode OpenMode
	qid  Qid
	h    FileHandle // nil until opened
}

// Answers 9P requests from a FileSystem. One handler serves one connection.
type fileSystemHandler struct {
	Loggable

	Fs   FileSystem
	Qids *QidPool
	Fids *FidTracker
}

// FileSystemHandler returns a handler factory suitable for Server.NewHandler.
// All connections share one QidPool so qids stay stable across clients.
func FileSystemHandler(fsys FileSystem, l Loggable) func() Handler {
	qids := NewQidPool(DefaultQidPoolSize)
	return func() Handler {
		return &fileSystemHandler{
			Loggable: l,
			Fs:       fsys,
			Qids:     qids,
			Fids:     NewFidTracker(),
		}
	}
}

func (h *fileSystemHandler) Close() error {
	var errs []error
	for _, st := range h.Fids.Clear() {
		if st.h != nil {
			errs = append(errs, st.h.Close())
		}
	}
	return errors.Join(errs...)
}

func (h *fileSystemHandler) Handle9P(ctx context.Context, m Message, w Replier) {
	switch m := m.(type) {
	case Tattach:
		h.attach(ctx, m, w)
	case Twalk:
		h.walk(ctx, m, w)
	case Topen:
		h.open(ctx, m, w)
	case Tread:
		h.read(m, w)
	case Twrite:
		h.write(m, w)
	case Tclunk:
		h.clunk(m, w)
	case Tstat:
		h.stat(ctx, m, w)
	default:
		// let default behavior run
	}
}

func (h *fileSystemHandler) attach(ctx context.Context, m Tattach, w Replier) {
	if m.Afid() != NO_FID {
		h.Tracef("fs: Tattach: reject auth request")
		w.Rerror(fmt.Errorf("authentication: %w", ErrUnsupported))
		return
	}
	if _, found := h.Fids.Get(m.Fid()); found {
		h.Errorf("fs: Tattach: fid %s already in use", m.Fid())
		w.Rerror(ErrFidExists)
		return
	}

	root := cleanPath(m.Aname())
	info, err := h.Fs.Stat(ctx, root)
	if err != nil {
		h.Errorf("fs: Tattach: failed to stat %q: %s", root, err)
		w.Rerror(err)
		return
	}
	if !info.IsDir() {
		w.Rerror(ErrWalkNotDir)
		return
	}

	q := h.Qids.Put(root, QT_DIR)
	h.Fids.Put(m.Fid(), fidState{path: root, user: m.Uname(), qid: q})
	h.Tracef("fs: Tattach: %s -> %q", m.Fid(), root)
	w.Rattach(q)
}

func (h *fileSystemHandler) walk(ctx context.Context, m Twalk, w Replier) {
	st, ok := h.Fids.Get(m.Fid())
	if !ok {
		h.Errorf("fs: Twalk: unknown fid: %s", m.Fid())
		w.Rerror(ErrUnrecognizedFid)
		return
	}
	if st.h != nil {
		w.Rerror(ErrFidAlreadyOpen)
		return
	}
	if m.Fid() != m.NewFid() {
		if _, found := h.Fids.Get(m.NewFid()); found {
			h.Errorf("fs: Twalk: %s wanted new fid %s which is already taken", m.Fid(), m.NewFid())
			w.Rerror(ErrFidExists)
			return
		}
	}

	names := m.Wnames()
	walked := make([]Qid, 0, len(names))
	p, q := st.path, st.qid
	for i, name := range names {
		if !q.Type().IsDir() {
			if i == 0 {
				w.Rerror(ErrWalkNotDir)
				return
			}
			break
		}
		next := cleanPath(path.Join(p, name))
		info, err := h.Fs.Stat(ctx, next)
		if err != nil {
			h.Tracef("fs: Twalk: stat %q for fid %s: %s", next, m.Fid(), err)
			// From walk(5):
			//   "If the first element cannot be walked for any reason,
			//   Rerror is returned."
			if i == 0 {
				w.Rerror(err)
				return
			}
			break
		}
		p = next
		q = h.Qids.Put(p, ModeFromOS(info.Mode()).QidType())
		walked = append(walked, q)
	}

	// From walk(5):
	//   "If the full sequence of nwname elements is walked successfully,
	//   newfid will represent the file that results. If not, newfid (and
	//   fid) will be unaffected"
	if len(walked) == len(names) {
		h.Fids.Put(m.NewFid(), fidState{path: p, user: st.user, qid: q})
	}
	h.Tracef("fs: Twalk: %s -> %s: %d/%d", m.Fid(), m.NewFid(), len(walked), len(names))
	w.Rwalk(walked)
}

func (h *fileSystemHandler) open(ctx context.Context, m Topen, w Replier) {
	st, ok := h.Fids.Get(m.Fid())
	if !ok {
		h.Errorf("fs: Topen: unknown fid: %s", m.Fid())
		w.Rerror(ErrUnrecognizedFid)
		return
	}
	if st.h != nil {
		w.Rerror(ErrFidAlreadyOpen)
		return
	}

	info, err := h.Fs.Stat(ctx, st.path)
	if err != nil {
		h.Errorf("fs: Topen: failed to stat %q: %s", st.path, err)
		w.Rerror(err)
		return
	}

	mode := m.Mode()
	if info.IsDir() {
		// From open(5):
		//   "It is illegal to write a directory, truncate it, or attempt to
		//   remove it on close"
		if mode.IsWriteable() || mode&(OTRUNC|ORCLOSE) != 0 {
			h.Tracef("fs: Topen: client error: directory %q opened with %s", st.path, mode)
			w.Rerror(ErrWriteNotAllowed)
			return
		}
		st.h = &directoryHandle{ctx: ctx, fs: h.Fs, qids: h.Qids, path: st.path}
	} else {
		f, err := h.Fs.OpenFile(ctx, st.path, mode)
		if err != nil {
			h.Tracef("fs: Topen: error opening %q: %s", st.path, err)
			w.Rerror(err)
			return
		}
		st.h = f
	}
	st.mode = mode
	st.qid = h.Qids.Put(st.path, ModeFromOS(info.Mode()).QidType())
	h.Fids.Put(m.Fid(), st)
	h.Tracef("fs: Topen: %s -> %q (%s)", m.Fid(), st.path, mode)
	w.Ropen(st.qid, 0)
}

func (h *fileSystemHandler) read(m Tread, w Replier) {
	st, ok := h.Fids.Get(m.Fid())
	if !ok {
		h.Errorf("fs: Tread: unknown fid: %s", m.Fid())
		w.Rerror(ErrUnrecognizedFid)
		return
	}
	if st.h == nil {
		w.Rerror(ErrFidNotOpened)
		return
	}
	if !st.mode.IsReadable() {
		w.Rerror(ErrReadNotAllowed)
		return
	}
	if m.Offset() > uint64(1<<63-1) {
		w.Rerror(fs.ErrInvalid)
		return
	}

	data := w.RreadBuffer()
	n, err := st.h.ReadAt(data, int64(m.Offset()))
	if n == 0 && err != nil && err != io.EOF {
		h.Errorf("fs: Tread: fid %s couldn't read: %s", m.Fid(), err)
		w.Rerror(err)
		return
	}
	h.Tracef("fs: Tread: fid %s (offset=%d, bytes=%d)", m.Fid(), m.Offset(), n)
	w.Rread(data[:n])
}

func (h *fileSystemHandler) write(m Twrite, w Replier) {
	st, ok := h.Fids.Get(m.Fid())
	if !ok {
		h.Errorf("fs: Twrite: unknown fid: %s", m.Fid())
		w.Rerror(ErrUnrecognizedFid)
		return
	}
	if st.h == nil {
		w.Rerror(ErrFidNotOpened)
		return
	}
	if !st.mode.IsWriteable() {
		w.Rerror(ErrWriteNotAllowed)
		return
	}
	if m.Offset() > uint64(1<<63-1) {
		w.Rerror(fs.ErrInvalid)
		return
	}

	n, err := st.h.WriteAt(m.Data(), int64(m.Offset()))
	if n == 0 && err != nil {
		h.Errorf("fs: Twrite: fid %s couldn't write: %s", m.Fid(), err)
		w.Rerror(err)
		return
	}
	h.Tracef("fs: Twrite: fid %s (offset=%d, bytes=%d)", m.Fid(), m.Offset(), n)
	w.Rwrite(uint32(n))
}

func (h *fileSystemHandler) clunk(m Tclunk, w Replier) {
	st, ok := h.Fids.Delete(m.Fid())
	if !ok {
		w.Rerror(ErrUnrecognizedFid)
		return
	}
	if st.h != nil {
		if err := st.h.Close(); err != nil {
			// the fid is gone regardless
			h.Errorf("fs: Tclunk: %s: close %q: %s", m.Fid(), st.path, err)
			w.Rerror(err)
			return
		}
	}
	h.Tracef("fs: Tclunk: %s %q", m.Fid(), st.path)
	w.Rclunk()
}

func (h *fileSystemHandler) stat(ctx context.Context, m Tstat, w Replier) {
	st, ok := h.Fids.Get(m.Fid())
	if !ok {
		h.Errorf("fs: Tstat: unknown fid: %s", m.Fid())
		w.Rerror(ErrUnrecognizedFid)
		return
	}
	info, err := h.Fs.Stat(ctx, st.path)
	if err != nil {
		h.Errorf("fs: Tstat: failed to stat %q: %s", st.path, err)
		w.Rerror(err)
		return
	}
	if st.path == "" {
		info = FileInfoWithName(info, "/")
	}
	q := h.Qids.Put(st.path, ModeFromOS(info.Mode()).QidType())
	s := StatFromFileInfo(q, info)
	h.Tracef("fs: Tstat: %s -> %s", m.Fid(), s)
	w.Rstat(s)
}

///////////////////////////////////////////////////////

type FidTracker struct {
	m    sync.Mutex
	fids map[Fid]fidState
}

func NewFidTracker() *FidTracker {
	return &FidTracker{fids: make(map[Fid]fidState)}
}

func (t *FidTracker) Get(f Fid) (st fidState, found bool) {
	t.m.Lock()
	st, found = t.fids[f]
	t.m.Unlock()
	return
}

func (t *FidTracker) Put(f Fid, st fidState) {
	t.m.Lock()
	t.fids[f] = st
	t.m.Unlock()
}

func (t *FidTracker) Delete(f Fid) (st fidState, found bool) {
	t.m.Lock()
	st, found = t.fids[f]
	delete(t.fids, f)
	t.m.Unlock()
	return
}

// Removes every fid, returning what was tracked.
func (t *FidTracker) Clear() []fidState {
	t.m.Lock()
	defer t.m.Unlock()
	res := make([]fidState, 0, len(t.fids))
	for _, st := range t.fids {
		res = append(res, st)
	}
	t.fids = make(map[Fid]fidState)
	return res
}

///////////////////////////////////////////////////////

// Assigns qids to paths. Only the most recently used paths are remembered;
// a forgotten path gets a new qid path the next time it is seen.
type QidPool struct {
	m        sync.Mutex
	pool     *lru.Cache[string, Qid]
	nextPath uint64
}

func NewQidPool(size int) *QidPool {
	if size <= 0 {
		size = DefaultQidPoolSize
	}
	pool, err := lru.New[string, Qid](size)
	if err != nil {
		// only fails for non-positive sizes
		panic(err)
	}
	return &QidPool{pool: pool}
}

func (p *QidPool) Get(name string) (Qid, bool) {
	return p.pool.Get(name)
}

func (p *QidPool) Put(name string, t QidType) Qid {
	p.m.Lock()
	defer p.m.Unlock()
	if existing, ok := p.pool.Get(name); ok && existing.Type() == t {
		return existing
	}
	q := NewQid().Fill(t, 0, p.nextPath)
	p.nextPath++
	p.pool.Add(name, q)
	return q
}

func (p *QidPool) Delete(name string) {
	p.pool.Remove(name)
}

func (p *QidPool) Len() int { return p.pool.Len() }
