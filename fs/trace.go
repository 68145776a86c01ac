package fs

import (
	"context"
	"os"

	"github.com/jeffh/vfspreload/ninep"
	"go.uber.org/zap"
)

// Returns a trace file system the wraps a given file system.
//
// The trace file system simply logs all file system operations to the logger.
func TraceFs(fs ninep.FileSystem, l *zap.Logger) ninep.FileSystem {
	if l == nil {
		l = zap.NewNop()
	}
	return &traceFileSystem{fs, l}
}

// traceLog logs the result of an operation.
func traceLog(l *zap.Logger, op string, err error, fields ...zap.Field) {
	if err != nil {
		l.Error(op, append(fields, zap.Error(err))...)
	} else {
		l.Info(op, fields...)
	}
}

type traceFileHandle struct {
	H      ninep.FileHandle
	Path   string
	Logger *zap.Logger
}

func (h *traceFileHandle) ReadAt(p []byte, offset int64) (int, error) {
	n, err := h.H.ReadAt(p, offset)
	traceLog(h.Logger, "FileHandle.ReadAt", ignoreEOF(err), zap.String("path", h.Path), zap.Int64("offset", offset), zap.Int("n", n))
	return n, err
}

func (h *traceFileHandle) WriteAt(p []byte, offset int64) (int, error) {
	n, err := h.H.WriteAt(p, offset)
	traceLog(h.Logger, "FileHandle.WriteAt", err, zap.String("path", h.Path), zap.Int64("offset", offset), zap.Int("n", n))
	return n, err
}

func (h *traceFileHandle) Close() error {
	err := h.H.Close()
	traceLog(h.Logger, "FileHandle.Close", err, zap.String("path", h.Path))
	return err
}

////////////////////

// A file system that wraps another file system, logging all the operations it receives.
type traceFileSystem struct {
	Fs     ninep.FileSystem
	Logger *zap.Logger
}

func (f *traceFileSystem) OpenFile(ctx context.Context, path string, flag ninep.OpenMode) (ninep.FileHandle, error) {
	h, err := f.Fs.OpenFile(ctx, path, flag)
	traceLog(f.Logger, "FS.OpenFile", err, zap.String("path", path), zap.Stringer("flag", flag))
	if err != nil {
		return nil, err
	}
	return &traceFileHandle{H: h, Path: path, Logger: f.Logger}, nil
}

func (f *traceFileSystem) ListDir(ctx context.Context, path string) ([]os.FileInfo, error) {
	infos, err := f.Fs.ListDir(ctx, path)
	traceLog(f.Logger, "FS.ListDir", err, zap.String("path", path), zap.Int("entries", len(infos)))
	return infos, err
}

func (f *traceFileSystem) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	info, err := f.Fs.Stat(ctx, path)
	traceLog(f.Logger, "FS.Stat", err, zap.String("path", path))
	return info, err
}
