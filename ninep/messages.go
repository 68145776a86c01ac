package ninep

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

type Message interface {
	Tag() Tag
	Bytes() []byte
}

const (
	NO_TAG         Tag    = ^Tag(0)
	NO_FID         Fid    = ^Fid(0)
	VERSION_9P2000 string = "9P2000"
	VERSION_9P     string = "9P"

	MIN_MESSAGE_SIZE = uint32(128)

	// room reserved for the header of a Twrite/Rread message
	IOHDRSZ = 24
)

// The default maximum size of 9p message blocks. Should never be below MIN_MESSAGE_SIZE
var DEFAULT_MAX_MESSAGE_SIZE uint32

func init() {
	s := uint64(os.Getpagesize() * 2)
	if s > math.MaxUint32 {
		s = math.MaxUint32
	}
	if uint32(s) < MIN_MESSAGE_SIZE {
		s = uint64(MIN_MESSAGE_SIZE)
	}
	DEFAULT_MAX_MESSAGE_SIZE = uint32(s)
}

type MsgType byte

// Based on
// http://plan9.bell-labs.com/sources/plan9/sys/include/fcall.h
const (
	msgTversion MsgType = iota + 100 // size[4] Tversion tag[2] msize[4] version[s]
	msgRversion                      // size[4] Rversion tag[2] msize[4] version[s]
	msgTauth                         // size[4] Tauth tag[2] afid[4] uname[s] aname[s]
	msgRauth                         // size[4] Rauth tag[2] aqid[13]
	msgTattach                       // size[4] Tattach tag[2] fid[4] afid[4] uname[s] aname[s]
	msgRattach                       // size[4] Rattach tag[2] qid[13]
	msgTerror                        // illegal
	msgRerror                        // size[4] Rerror tag[2] ename[s]
	msgTflush                        // size[4] Tflush tag[2] oldtag[2]
	msgRflush                        // size[4] Rflush tag[2]
	msgTwalk                         // size[4] Twalk tag[2] fid[4] newfid[4] nwname[2] nwname*(wname[s])
	msgRwalk                         // size[4] Rwalk tag[2] nwqid[2] nwqid*(wqid[13])
	msgTopen                         // size[4] Topen tag[2] fid[4] mode[1]
	msgRopen                         // size[4] Ropen tag[2] qid[13] iounit[4]
	msgTcreate                       // size[4] Tcreate tag[2] fid[4] name[s] perm[4] mode[1]
	msgRcreate                       // size[4] Rcreate tag[2] qid[13] iounit[4]
	msgTread                         // size[4] Tread tag[2] fid[4] offset[8] count[4]
	msgRread                         // size[4] Rread tag[2] count[4] data[count]
	msgTwrite                        // size[4] Twrite tag[2] fid[4] offset[8] count[4] data[count]
	msgRwrite                        // size[4] Rwrite tag[2] count[4]
	msgTclunk                        // size[4] Tclunk tag[2] fid[4]
	msgRclunk                        // size[4] Rclunk tag[2]
	msgTremove                       // size[4] Tremove tag[2] fid[4]
	msgRremove                       // size[4] Rremove tag[2]
	msgTstat                         // size[4] Tstat tag[2] fid[4]
	msgRstat                         // size[4] Rstat tag[2] stat[n]
	msgTwstat                        // size[4] Twstat tag[2] fid[4] stat[n]
	msgRwstat                        // size[4] Rwstat tag[2]
)

var msgTypeNames = map[MsgType]string{
	msgTversion: "Tversion", msgRversion: "Rversion",
	msgTauth: "Tauth", msgRauth: "Rauth",
	msgTattach: "Tattach", msgRattach: "Rattach",
	msgTerror: "Terror", msgRerror: "Rerror",
	msgTflush: "Tflush", msgRflush: "Rflush",
	msgTwalk: "Twalk", msgRwalk: "Rwalk",
	msgTopen: "Topen", msgRopen: "Ropen",
	msgTcreate: "Tcreate", msgRcreate: "Rcreate",
	msgTread: "Tread", msgRread: "Rread",
	msgTwrite: "Twrite", msgRwrite: "Rwrite",
	msgTclunk: "Tclunk", msgRclunk: "Rclunk",
	msgTremove: "Tremove", msgRremove: "Rremove",
	msgTstat: "Tstat", msgRstat: "Rstat",
	msgTwstat: "Twstat", msgRwstat: "Rwstat",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

type OpenMode byte

const (
	OREAD   = 0
	OWRITE  = 1
	ORDWR   = 2
	OEXEC   = 3 // execute, == read but check execute permission
	OTRUNC  = 0x10
	OCEXEC  = 0x20 // close on exec
	ORCLOSE = 0x40 // remove on close

	OMODE = 3
)

func (m OpenMode) IsReadOnly() bool  { return m&OMODE == OREAD || m&OMODE == OEXEC }
func (m OpenMode) IsWriteOnly() bool { return m&OMODE == OWRITE }
func (m OpenMode) IsReadWrite() bool { return m&OMODE == ORDWR }

// IsReadOnly() || IsReadWrite()
func (m OpenMode) IsReadable() bool { return m.IsReadOnly() || m.IsReadWrite() }

// IsWriteOnly() || IsReadWrite()
func (m OpenMode) IsWriteable() bool { return m.IsWriteOnly() || m.IsReadWrite() }

func (m OpenMode) String() string {
	res := []string{}
	switch {
	case m.IsWriteOnly():
		res = append(res, "OWRITE")
	case m.IsReadWrite():
		res = append(res, "ORDWR")
	default:
		res = append(res, "OREAD")
	}
	if m&OTRUNC != 0 {
		res = append(res, "OTRUNC")
	}
	if m&OCEXEC != 0 {
		res = append(res, "OCEXEC")
	}
	if m&ORCLOSE != 0 {
		res = append(res, "ORCLOSE")
	}
	return strings.Join(res, "|")
}

// Converts to flags suitable for os.OpenFile
func (m OpenMode) ToOsFlag() int {
	var flags int
	switch {
	case m.IsWriteOnly():
		flags = os.O_WRONLY
	case m.IsReadWrite():
		flags = os.O_RDWR
	default:
		flags = os.O_RDONLY
	}
	if m&OTRUNC != 0 {
		flags |= os.O_TRUNC
	}
	return flags
}

// OpenModeFromOS converts open(2) flags into the closest 9P open mode.
func OpenModeFromOS(flags int) OpenMode {
	var m OpenMode
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		m = OWRITE
	case os.O_RDWR:
		m = ORDWR
	default:
		m = OREAD
	}
	if flags&os.O_TRUNC != 0 && m.IsWriteable() {
		m |= OTRUNC
	}
	return m
}

type Mode uint32

const (
	M_DIR    = 0x80000000 // mode bit for directories
	M_APPEND = 0x40000000 // mode bit for append only files
	M_EXCL   = 0x20000000 // mode bit for exclusive use files
	M_MOUNT  = 0x10000000 // mode bit for mounted channel
	M_AUTH   = 0x08000000 // mode bit for authentication file
	M_TMP    = 0x04000000 // mode bit for non-backed-up file

	// Mask for the type bits
	M_TYPE = M_DIR | M_APPEND | M_EXCL | M_MOUNT | M_TMP

	// Mask for the permissions bits
	M_PERM = 0777
)

func (m Mode) IsDir() bool { return m&M_DIR != 0 }

func (m Mode) ToOsMode() os.FileMode {
	var mode os.FileMode
	if m&M_DIR != 0 {
		mode = os.ModeDir
	}
	if m&M_APPEND != 0 {
		mode |= os.ModeAppend
	}
	if m&M_EXCL != 0 {
		mode |= os.ModeExclusive
	}
	if m&M_TMP != 0 {
		mode |= os.ModeTemporary
	}
	return mode | (os.FileMode(m) & os.ModePerm)
}

func (m Mode) QidType() QidType { return QidType((m & M_TYPE) >> 24) }

func ModeFromOS(mode os.FileMode) Mode {
	var perm Mode
	if mode&os.ModeDir != 0 {
		perm |= M_DIR
	}
	if mode&os.ModeAppend != 0 {
		perm |= M_APPEND
	}
	if mode&os.ModeExclusive != 0 {
		perm |= M_EXCL
	}
	if mode&os.ModeTemporary != 0 {
		perm |= M_TMP
	}
	return perm | Mode(mode.Perm())
}

var bo = binary.LittleEndian

/////////////////////////////////////

type Tag uint16

type Fid uint32 // always size 4

const MAX_FID = math.MaxUint32 - 2

func (f Fid) String() string {
	if f == NO_FID {
		return "Fid(NO_FID)"
	}
	return fmt.Sprintf("Fid(%d)", uint32(f))
}

/////////////////////////////////////

type QidType byte

const (
	QT_DIR     QidType = 0x80 // type bit for directories
	QT_APPEND  QidType = 0x40 // type bit for append only files
	QT_EXCL    QidType = 0x20 // type bit for exclusive use files
	QT_MOUNT   QidType = 0x10 // type bit for mounted channel
	QT_AUTH    QidType = 0x08 // type bit for authentication file
	QT_TMP     QidType = 0x04 // type bit for non-backed-up file
	QT_SYMLINK QidType = 0x02 // type bit for symbolic link (9P2000.u)
	QT_FILE    QidType = 0x00 // plain file
)

func (qt QidType) IsDir() bool { return qt&QT_DIR != 0 }

const QidSize = 13

type Qid []byte // always size 13

func NewQid() Qid { return make(Qid, QidSize) }

func (q Qid) Fill(t QidType, version uint32, path uint64) Qid {
	q[0] = byte(t)
	bo.PutUint32(q[1:5], version)
	bo.PutUint64(q[5:13], path)
	return q
}

func (q Qid) Bytes() []byte   { return q[:QidSize] }
func (q Qid) Type() QidType   { return QidType(q[0]) }
func (q Qid) Version() uint32 { return bo.Uint32(q[1:5]) }
func (q Qid) Path() uint64    { return bo.Uint64(q[5:13]) }

func (q Qid) Clone() Qid {
	c := NewQid()
	copy(c, q)
	return c
}

func (q Qid) String() string {
	if len(q) < QidSize {
		return "Qid(nil)"
	}
	return fmt.Sprintf("Qid{type=%#x, version=%d, path=%d}", byte(q.Type()), q.Version(), q.Path())
}

/////////////////////////////////////

// A header-prefixed message buffer. All typed messages are views onto it.
type MsgBase []byte

const msgOffset = 7

func (r MsgBase) Bytes() []byte { return r[:int(r.Size())] }
func (r MsgBase) Size() uint32  { return bo.Uint32(r[:4]) }
func (r MsgBase) Type() MsgType { return MsgType(r[4]) }
func (r MsgBase) Tag() Tag      { return Tag(bo.Uint16(r[5:7])) }

// msgString reads a 9P string (len[2] bytes[len]) at the start of s.
type msgString []byte

func (s msgString) Len() uint16   { return bo.Uint16(s[0:2]) }
func (s msgString) Nbytes() int   { return int(s.Len()) + 2 }
func (s msgString) Bytes() []byte { return s[2 : s.Len()+2] }
func (s msgString) String() string {
	return string(s.Bytes())
}

/////////////////////////////////////
// encoding

// msgBuilder appends fields to a message; finish() patches the size header.
type msgBuilder struct {
	b []byte
}

func newMsg(buf []byte, t MsgType, tag Tag) *msgBuilder {
	m := &msgBuilder{b: append(buf[:0], 0, 0, 0, 0, byte(t))}
	m.u16(uint16(tag))
	return m
}

func (m *msgBuilder) u8(v byte)    { m.b = append(m.b, v) }
func (m *msgBuilder) u16(v uint16) { m.b = bo.AppendUint16(m.b, v) }
func (m *msgBuilder) u32(v uint32) { m.b = bo.AppendUint32(m.b, v) }
func (m *msgBuilder) u64(v uint64) { m.b = bo.AppendUint64(m.b, v) }
func (m *msgBuilder) str(s string) {
	m.u16(uint16(len(s)))
	m.b = append(m.b, s...)
}
func (m *msgBuilder) qid(q Qid)      { m.b = append(m.b, q.Bytes()...) }
func (m *msgBuilder) raw(p []byte)   { m.b = append(m.b, p...) }
func (m *msgBuilder) finish() []byte { bo.PutUint32(m.b[:4], uint32(len(m.b))); return m.b }

func encodeTversion(buf []byte, t Tag, msize uint32, version string) Tversion {
	m := newMsg(buf, msgTversion, t)
	m.u32(msize)
	m.str(version)
	return Tversion(m.finish())
}

func encodeRversion(buf []byte, t Tag, msize uint32, version string) Rversion {
	m := newMsg(buf, msgRversion, t)
	m.u32(msize)
	m.str(version)
	return Rversion(m.finish())
}

func encodeTattach(buf []byte, t Tag, fid, afid Fid, uname, aname string) Tattach {
	m := newMsg(buf, msgTattach, t)
	m.u32(uint32(fid))
	m.u32(uint32(afid))
	m.str(uname)
	m.str(aname)
	return Tattach(m.finish())
}

func encodeRattach(buf []byte, t Tag, q Qid) Rattach {
	m := newMsg(buf, msgRattach, t)
	m.qid(q)
	return Rattach(m.finish())
}

func encodeRerror(buf []byte, t Tag, ename string) Rerror {
	if len(ename) > math.MaxUint16 {
		ename = ename[:math.MaxUint16]
	}
	m := newMsg(buf, msgRerror, t)
	m.str(ename)
	return Rerror(m.finish())
}

func encodeTwalk(buf []byte, t Tag, fid, newfid Fid, names []string) Twalk {
	m := newMsg(buf, msgTwalk, t)
	m.u32(uint32(fid))
	m.u32(uint32(newfid))
	m.u16(uint16(len(names)))
	for _, n := range names {
		m.str(n)
	}
	return Twalk(m.finish())
}

func encodeRwalk(buf []byte, t Tag, qids []Qid) Rwalk {
	m := newMsg(buf, msgRwalk, t)
	m.u16(uint16(len(qids)))
	for _, q := range qids {
		m.qid(q)
	}
	return Rwalk(m.finish())
}

func encodeTopen(buf []byte, t Tag, fid Fid, mode OpenMode) Topen {
	m := newMsg(buf, msgTopen, t)
	m.u32(uint32(fid))
	m.u8(byte(mode))
	return Topen(m.finish())
}

func encodeRopen(buf []byte, t Tag, q Qid, iounit uint32) Ropen {
	m := newMsg(buf, msgRopen, t)
	m.qid(q)
	m.u32(iounit)
	return Ropen(m.finish())
}

func encodeTread(buf []byte, t Tag, fid Fid, offset uint64, count uint32) Tread {
	m := newMsg(buf, msgTread, t)
	m.u32(uint32(fid))
	m.u64(offset)
	m.u32(count)
	return Tread(m.finish())
}

func encodeRread(buf []byte, t Tag, data []byte) Rread {
	m := newMsg(buf, msgRread, t)
	m.u32(uint32(len(data)))
	m.raw(data)
	return Rread(m.finish())
}

func encodeTwrite(buf []byte, t Tag, fid Fid, offset uint64, data []byte) Twrite {
	m := newMsg(buf, msgTwrite, t)
	m.u32(uint32(fid))
	m.u64(offset)
	m.u32(uint32(len(data)))
	m.raw(data)
	return Twrite(m.finish())
}

func encodeRwrite(buf []byte, t Tag, count uint32) Rwrite {
	m := newMsg(buf, msgRwrite, t)
	m.u32(count)
	return Rwrite(m.finish())
}

func encodeTclunk(buf []byte, t Tag, fid Fid) Tclunk {
	m := newMsg(buf, msgTclunk, t)
	m.u32(uint32(fid))
	return Tclunk(m.finish())
}

func encodeRclunk(buf []byte, t Tag) Rclunk {
	return Rclunk(newMsg(buf, msgRclunk, t).finish())
}

func encodeTstat(buf []byte, t Tag, fid Fid) Tstat {
	m := newMsg(buf, msgTstat, t)
	m.u32(uint32(fid))
	return Tstat(m.finish())
}

func encodeRstat(buf []byte, t Tag, s Stat) Rstat {
	m := newMsg(buf, msgRstat, t)
	// Rstat carries the stat with an extra (redundant) length prefix
	m.u16(uint16(s.Nbytes()))
	m.raw(s.Bytes())
	return Rstat(m.finish())
}

/////////////////////////////////////
// decoding

type Tversion []byte

func (r Tversion) Bytes() []byte   { return MsgBase(r).Bytes() }
func (r Tversion) Tag() Tag        { return MsgBase(r).Tag() }
func (r Tversion) MsgSize() uint32 { return bo.Uint32(r[msgOffset : msgOffset+4]) }
func (r Tversion) Version() string { return msgString(r[msgOffset+4:]).String() }

type Rversion []byte

func (r Rversion) Bytes() []byte   { return MsgBase(r).Bytes() }
func (r Rversion) Tag() Tag        { return MsgBase(r).Tag() }
func (r Rversion) MsgSize() uint32 { return bo.Uint32(r[msgOffset : msgOffset+4]) }
func (r Rversion) Version() string { return msgString(r[msgOffset+4:]).String() }

type Tattach []byte

func (r Tattach) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Tattach) Tag() Tag      { return MsgBase(r).Tag() }
func (r Tattach) Fid() Fid      { return Fid(bo.Uint32(r[msgOffset : msgOffset+4])) }
func (r Tattach) Afid() Fid     { return Fid(bo.Uint32(r[msgOffset+4 : msgOffset+8])) }
func (r Tattach) uname() msgString {
	return msgString(r[msgOffset+8:])
}
func (r Tattach) Uname() string { return r.uname().String() }
func (r Tattach) Aname() string {
	return msgString(r[msgOffset+8+r.uname().Nbytes():]).String()
}

type Rattach []byte

func (r Rattach) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Rattach) Tag() Tag      { return MsgBase(r).Tag() }
func (r Rattach) Qid() Qid      { return Qid(r[msgOffset : msgOffset+QidSize]) }

type Rerror []byte

func (r Rerror) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Rerror) Tag() Tag      { return MsgBase(r).Tag() }
func (r Rerror) Ename() string { return msgString(r[msgOffset:]).String() }

// Error converts the remote error message into a go error. Messages that
// match a well-known error (see mappedErrors) are returned as that error so
// errors.Is keeps working across the wire.
func (r Rerror) Error() error {
	msg := r.Ename()
	for _, e := range mappedErrors {
		if msg == e.Error() {
			return e
		}
	}
	for _, e := range mappedErrors {
		if strings.HasSuffix(msg, ": "+e.Error()) {
			return RerrorType{msg: msg, e: e}
		}
	}
	return RerrorType{msg: msg}
}

// An error received from the remote side
type RerrorType struct {
	msg string
	e   error
}

func (e RerrorType) Error() string { return e.msg }
func (e RerrorType) Unwrap() error { return e.e }

type Twalk []byte

func (r Twalk) Bytes() []byte    { return MsgBase(r).Bytes() }
func (r Twalk) Tag() Tag         { return MsgBase(r).Tag() }
func (r Twalk) Fid() Fid         { return Fid(bo.Uint32(r[msgOffset : msgOffset+4])) }
func (r Twalk) NewFid() Fid      { return Fid(bo.Uint32(r[msgOffset+4 : msgOffset+8])) }
func (r Twalk) NumWname() uint16 { return bo.Uint16(r[msgOffset+8 : msgOffset+10]) }

// Returns all the names to walk, in order.
func (r Twalk) Wnames() []string {
	n := int(r.NumWname())
	names := make([]string, 0, n)
	rest := r[msgOffset+10:]
	for i := 0; i < n; i++ {
		s := msgString(rest)
		names = append(names, s.String())
		rest = rest[s.Nbytes():]
	}
	return names
}

type Rwalk []byte

func (r Rwalk) Bytes() []byte   { return MsgBase(r).Bytes() }
func (r Rwalk) Tag() Tag        { return MsgBase(r).Tag() }
func (r Rwalk) NumWqid() uint16 { return bo.Uint16(r[msgOffset : msgOffset+2]) }
func (r Rwalk) Wqid(i int) Qid {
	off := msgOffset + 2 + i*QidSize
	return Qid(r[off : off+QidSize])
}

type Topen []byte

func (r Topen) Bytes() []byte  { return MsgBase(r).Bytes() }
func (r Topen) Tag() Tag       { return MsgBase(r).Tag() }
func (r Topen) Fid() Fid       { return Fid(bo.Uint32(r[msgOffset : msgOffset+4])) }
func (r Topen) Mode() OpenMode { return OpenMode(r[msgOffset+4]) }

type Ropen []byte

func (r Ropen) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Ropen) Tag() Tag      { return MsgBase(r).Tag() }
func (r Ropen) Qid() Qid      { return Qid(r[msgOffset : msgOffset+QidSize]) }
func (r Ropen) Iounit() uint32 {
	return bo.Uint32(r[msgOffset+QidSize : msgOffset+QidSize+4])
}

type Tread []byte

func (r Tread) Bytes() []byte  { return MsgBase(r).Bytes() }
func (r Tread) Tag() Tag       { return MsgBase(r).Tag() }
func (r Tread) Fid() Fid       { return Fid(bo.Uint32(r[msgOffset : msgOffset+4])) }
func (r Tread) Offset() uint64 { return bo.Uint64(r[msgOffset+4 : msgOffset+12]) }
func (r Tread) Count() uint32  { return bo.Uint32(r[msgOffset+12 : msgOffset+16]) }

type Rread []byte

func (r Rread) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Rread) Tag() Tag      { return MsgBase(r).Tag() }
func (r Rread) Count() uint32 { return bo.Uint32(r[msgOffset : msgOffset+4]) }
func (r Rread) Data() []byte {
	return r[msgOffset+4 : msgOffset+4+int(r.Count())]
}

type Twrite []byte

func (r Twrite) Bytes() []byte  { return MsgBase(r).Bytes() }
func (r Twrite) Tag() Tag       { return MsgBase(r).Tag() }
func (r Twrite) Fid() Fid       { return Fid(bo.Uint32(r[msgOffset : msgOffset+4])) }
func (r Twrite) Offset() uint64 { return bo.Uint64(r[msgOffset+4 : msgOffset+12]) }
func (r Twrite) Count() uint32  { return bo.Uint32(r[msgOffset+12 : msgOffset+16]) }
func (r Twrite) Data() []byte {
	return r[msgOffset+16 : msgOffset+16+int(r.Count())]
}

type Rwrite []byte

func (r Rwrite) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Rwrite) Tag() Tag      { return MsgBase(r).Tag() }
func (r Rwrite) Count() uint32 { return bo.Uint32(r[msgOffset : msgOffset+4]) }

type Tclunk []byte

func (r Tclunk) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Tclunk) Tag() Tag      { return MsgBase(r).Tag() }
func (r Tclunk) Fid() Fid      { return Fid(bo.Uint32(r[msgOffset : msgOffset+4])) }

type Rclunk []byte

func (r Rclunk) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Rclunk) Tag() Tag      { return MsgBase(r).Tag() }

type Tstat []byte

func (r Tstat) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Tstat) Tag() Tag      { return MsgBase(r).Tag() }
func (r Tstat) Fid() Fid      { return Fid(bo.Uint32(r[msgOffset : msgOffset+4])) }

type Rstat []byte

func (r Rstat) Bytes() []byte { return MsgBase(r).Bytes() }
func (r Rstat) Tag() Tag      { return MsgBase(r).Tag() }
func (r Rstat) Stat() Stat    { return Stat(r[msgOffset+2:]) }

/////////////////////////////////////

// A 9P stat entry:
//
//	size[2] type[2] dev[4] qid[13] mode[4] atime[4] mtime[4] length[8]
//	name[s] uid[s] gid[s] muid[s]
type Stat []byte

const statFixedSize = 2 + 2 + 4 + QidSize + 4 + 4 + 4 + 8

// NewStat encodes a stat entry.
func NewStat(q Qid, mode Mode, atime, mtime uint32, length uint64, name, uid, gid, muid string) Stat {
	m := &msgBuilder{b: make([]byte, 0, statFixedSize+8+len(name)+len(uid)+len(gid)+len(muid))}
	m.u16(0) // patched below
	m.u16(0)
	m.u32(0)
	m.qid(q)
	m.u32(uint32(mode))
	m.u32(atime)
	m.u32(mtime)
	m.u64(length)
	m.str(name)
	m.str(uid)
	m.str(gid)
	m.str(muid)
	bo.PutUint16(m.b[:2], uint16(len(m.b)-2))
	return Stat(m.b)
}

func StatFromFileInfo(q Qid, info os.FileInfo) Stat {
	uid, gid, muid := FileUsers(info)
	name := info.Name()
	if name == "/" {
		name = "."
	}
	mtime := uint32(info.ModTime().Unix())
	atime := mtime
	if at, ok := Atime(info); ok {
		atime = uint32(at.Unix())
	}
	return NewStat(q, ModeFromOS(info.Mode()), atime, mtime, uint64(info.Size()), name, uid, gid, muid)
}

func (s Stat) Size() uint16   { return bo.Uint16(s[:2]) }
func (s Stat) Nbytes() int    { return int(s.Size()) + 2 }
func (s Stat) Bytes() []byte  { return s[:s.Nbytes()] }
func (s Stat) Qid() Qid       { return Qid(s[8 : 8+QidSize]) }
func (s Stat) Mode() Mode     { return Mode(bo.Uint32(s[21:25])) }
func (s Stat) Atime() uint32  { return bo.Uint32(s[25:29]) }
func (s Stat) Mtime() uint32  { return bo.Uint32(s[29:33]) }
func (s Stat) Length() uint64 { return bo.Uint64(s[33:41]) }

func (s Stat) name() msgString { return msgString(s[statFixedSize:]) }
func (s Stat) Name() string    { return s.name().String() }
func (s Stat) uid() msgString  { return msgString(s[statFixedSize+s.name().Nbytes():]) }
func (s Stat) Uid() string     { return s.uid().String() }
func (s Stat) gid() msgString {
	return msgString(s[statFixedSize+s.name().Nbytes()+s.uid().Nbytes():])
}
func (s Stat) Gid() string { return s.gid().String() }
func (s Stat) Muid() string {
	return msgString(s[statFixedSize+s.name().Nbytes()+s.uid().Nbytes()+s.gid().Nbytes():]).String()
}

func (s Stat) Clone() Stat {
	c := make(Stat, s.Nbytes())
	copy(c, s)
	return c
}

func (s Stat) String() string {
	return fmt.Sprintf("Stat{name=%q, qid=%s, mode=%s, length=%d, uid=%q, gid=%q}",
		s.Name(), s.Qid(), s.Mode().ToOsMode(), s.Length(), s.Uid(), s.Gid())
}

func (s Stat) FileInfo() StatFileInfo { return StatFileInfo{s} }

// Adapts a Stat to os.FileInfo
type StatFileInfo struct {
	Stat Stat
}

func (s StatFileInfo) Size() int64        { return int64(s.Stat.Length()) }
func (s StatFileInfo) Name() string       { return s.Stat.Name() }
func (s StatFileInfo) Mode() os.FileMode  { return s.Stat.Mode().ToOsMode() }
func (s StatFileInfo) ModTime() time.Time { return time.Unix(int64(s.Stat.Mtime()), 0) }
func (s StatFileInfo) IsDir() bool        { return s.Stat.Mode().IsDir() }
func (s StatFileInfo) Sys() interface{}   { return s.Stat }

/////////////////////////////////////

// Returns a typed view of the given message buffer
func typedMessage(mb MsgBase) Message {
	switch mb.Type() {
	case msgTversion:
		return Tversion(mb)
	case msgRversion:
		return Rversion(mb)
	case msgTattach:
		return Tattach(mb)
	case msgRattach:
		return Rattach(mb)
	case msgRerror:
		return Rerror(mb)
	case msgTwalk:
		return Twalk(mb)
	case msgRwalk:
		return Rwalk(mb)
	case msgTopen:
		return Topen(mb)
	case msgRopen:
		return Ropen(mb)
	case msgTread:
		return Tread(mb)
	case msgRread:
		return Rread(mb)
	case msgTwrite:
		return Twrite(mb)
	case msgRwrite:
		return Rwrite(mb)
	case msgTclunk:
		return Tclunk(mb)
	case msgRclunk:
		return Rclunk(mb)
	case msgTstat:
		return Tstat(mb)
	case msgRstat:
		return Rstat(mb)
	default:
		return mb
	}
}

func (r MsgBase) String() string {
	return fmt.Sprintf("%s(tag=%d, size=%d)", r.Type(), r.Tag(), r.Size())
}
