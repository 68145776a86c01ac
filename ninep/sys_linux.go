//go:build linux

package ninep

import (
	"io/fs"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

func Atime(info fs.FileInfo) (t time.Time, ok bool) {
	var statT *syscall.Stat_t
	statT, ok = info.Sys().(*syscall.Stat_t)
	if ok {
		t = time.Unix(statT.Atim.Sec, statT.Atim.Nsec)
	}
	return
}

// FileUsers returns the plan9 style owner names of a file. Numeric ids are
// used when the local user database doesn't know them.
func FileUsers(info fs.FileInfo) (uid, gid, muid string) {
	if u, ok := info.(FileInfoUsers); ok {
		return u.Uid(), u.Gid(), u.Muid()
	}
	switch sys := info.Sys().(type) {
	case *syscall.Stat_t:
		uid = strconv.Itoa(int(sys.Uid))
		if usr, err := user.LookupId(uid); err == nil {
			uid = usr.Username
		}
		gid = strconv.Itoa(int(sys.Gid))
		if grp, err := user.LookupGroupId(gid); err == nil {
			gid = grp.Name
		}
		// unix does not track the last modifying user
		muid = uid
	case Stat:
		uid, gid, muid = sys.Uid(), sys.Gid(), sys.Muid()
	}
	return
}
