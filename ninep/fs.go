package ninep

import (
	"context"
	"io"
	"os"
	"time"
)

// Represent a file that can be read or written to.
type FileHandle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// A higher-level interface that the server uses to answer 9P requests.
//
// The following assumptions are part of the interface:
//   - paths are slash separated and relative to the root of the file system
//   - the empty string is the root directory
//   - implementers return errors wrapping fs.ErrNotExist for missing files
type FileSystem interface {
	// Lists stats about a given file or directory.
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	// Opens an existing file for reading/writing
	OpenFile(ctx context.Context, path string, flag OpenMode) (FileHandle, error)
	// Lists directories and files in a given path. Does not include '.' or '..'
	ListDir(ctx context.Context, path string) ([]os.FileInfo, error)
}

// os.FileInfo values returned from a FileSystem can implement this to
// provide plan9 owner names.
type FileInfoUsers interface {
	os.FileInfo
	Uid() string
	Gid() string
	Muid() string
}

type fileInfoWithUsers struct {
	os.FileInfo
	uid, gid, muid string
}

func FileInfoWithUsers(fi os.FileInfo, uid, gid, muid string) FileInfoUsers {
	return &fileInfoWithUsers{fi, uid, gid, muid}
}

func (f *fileInfoWithUsers) Uid() string  { return f.uid }
func (f *fileInfoWithUsers) Gid() string  { return f.gid }
func (f *fileInfoWithUsers) Muid() string { return f.muid }

type fileInfoWithName struct {
	os.FileInfo
	name string
}

func FileInfoWithName(fi os.FileInfo, name string) os.FileInfo {
	return &fileInfoWithName{fi, name}
}

func (f *fileInfoWithName) Name() string { return f.name }

// Implements a basic, in-memory struct that conforms to os.FileInfo
type SimpleFileInfo struct {
	FIName    string
	FISize    int64
	FIMode    os.FileMode
	FIModTime time.Time
	FISys     interface{}
}

func (f *SimpleFileInfo) Name() string       { return f.FIName }
func (f *SimpleFileInfo) Size() int64        { return f.FISize }
func (f *SimpleFileInfo) Mode() os.FileMode  { return f.FIMode }
func (f *SimpleFileInfo) ModTime() time.Time { return f.FIModTime }
func (f *SimpleFileInfo) IsDir() bool        { return f.FIMode&os.ModeDir != 0 }
func (f *SimpleFileInfo) Sys() interface{}   { return f.FISys }
