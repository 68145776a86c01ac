package preload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeffh/vfspreload/ninep"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Paths under this directory are served by the virtual filesystem.
const DefaultMount = "/sandstorm-magic"

// Decides which opens are virtual and resolves them against the remote
// filesystem.
type Router struct {
	Mount string
	Getwd func() (string, error)
}

func DefaultRouter() *Router {
	return &Router{Mount: DefaultMount, Getwd: os.Getwd}
}

// Classify reports whether path lies under the mount and, if so, the
// components to walk from the mount root. Relative paths are resolved
// against the working directory; when that is unknown the path is not
// virtual. The mount is matched a whole component at a time, and ".."
// components below it are ignored rather than followed.
func (r *Router) Classify(path string) ([]string, bool) {
	if !filepath.IsAbs(path) {
		if r.Getwd == nil {
			return nil, false
		}
		cwd, err := r.Getwd()
		if err != nil || !filepath.IsAbs(cwd) {
			return nil, false
		}
		path = cwd + "/" + path
	}

	mount := ninep.PathSplit(r.Mount)
	parts := ninep.PathSplit(path)
	if len(parts) < len(mount) {
		return nil, false
	}
	for i, m := range mount {
		if parts[i] != m {
			return nil, false
		}
	}

	rest := make([]string, 0, len(parts)-len(mount))
	for _, part := range parts[len(mount):] {
		if part != ".." {
			rest = append(rest, part)
		}
	}
	return rest, true
}

// The errno reported for a failed walk. Anything other than a permission
// failure reads as a missing entry.
func walkErrno(err error) unix.Errno {
	if errors.Is(err, fs.ErrPermission) {
		return unix.EACCES
	}
	return unix.ENOENT
}

// Walk resolves components from a fresh attach of the session root and
// returns the node it reaches. It must run on the loop.
//
// Every Twalk is sent before any reply is read: each one names the fid the
// previous one creates. Only the last call is awaited; the server fails the
// rest of a chain once a link is missing. With no components the attached
// root itself is the node.
func (r *Router) Walk(sess *Session, comps []string, flags int) *Promise[*capNode] {
	fail := func(err error) *Promise[*capNode] {
		return Rejected[*capNode](fmt.Errorf("walk %s/%s: %w: %w", r.Mount, strings.Join(comps, "/"), walkErrno(err), err))
	}

	c, err := sess.Client()
	if err != nil {
		return fail(err)
	}
	root, attach, err := sess.Root()
	if err != nil {
		return fail(err)
	}

	fids := []ninep.Fid{root}
	last := attach
	for _, name := range comps {
		newfid, err := c.AllocFid()
		if err != nil {
			for _, f := range fids {
				c.Forget(f)
			}
			return fail(err)
		}
		last = c.SendWalk(fids[len(fids)-1], newfid, []string{name})
		fids = append(fids, newfid)
	}

	final := awaitCall(sess.Loop, last, func(m ninep.Message, err error) (ninep.Qid, error) {
		if len(comps) == 0 {
			return ninep.AttachResult(m, err)
		}
		qids, err := ninep.WalkResult(m, err, 1)
		if err != nil {
			return nil, err
		}
		return qids[0], nil
	})

	res, resolve := NewPromise[*capNode]()
	final.Then(func(qid ninep.Qid, err error) {
		node := fids[len(fids)-1]
		for _, f := range fids[:len(fids)-1] {
			c.Forget(f)
		}
		if err != nil {
			c.Forget(node)
			sess.Logger.Debug("virtual open failed", zap.Strings("path", comps), zap.Error(err))
			fail(err).Then(resolve)
			return
		}
		// nothing is ever created, so an exclusive create always finds the
		// entry already there
		if flags&unix.O_CREAT != 0 && flags&unix.O_EXCL != 0 {
			c.Forget(node)
			resolve(nil, fmt.Errorf("create %s/%s: %w", r.Mount, strings.Join(comps, "/"), unix.EEXIST))
			return
		}
		if qid.Type().IsDir() && ninep.OpenModeFromOS(flags).IsWriteable() {
			c.Forget(node)
			resolve(nil, fmt.Errorf("open %s/%s for writing: %w", r.Mount, strings.Join(comps, "/"), unix.EISDIR))
			return
		}
		n := newCapNode(sess.Loop, c, node, qid, flags)
		if n.mode&ninep.OTRUNC == 0 {
			resolve(n, nil)
			return
		}
		// truncation happens at open time even if nothing is ever written
		n.open().Then(func(_ uint32, err error) {
			if err != nil {
				n.release()
				resolve(nil, fmt.Errorf("open %s/%s: %w", r.Mount, strings.Join(comps, "/"), err))
				return
			}
			resolve(n, nil)
		})
	})
	return res
}
