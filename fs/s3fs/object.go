package s3fs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jeffh/vfspreload/ninep"
)

// objectHandle reads with ranged GetObjects. Writes go to an in-memory copy
// of the object that is uploaded with PutObject on Close.
type objectHandle struct {
	client API
	bucket string
	key    string
	flag   ninep.OpenMode
	max    int64

	mu    sync.Mutex
	buf   []byte // nil until loaded or written
	dirty bool
}

var _ ninep.FileHandle = (*objectHandle)(nil)

func (h *objectHandle) load(ctx context.Context) error {
	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(h.bucket), Key: aws.String(h.key)})
	if err != nil {
		return mapAwsErrToNinep(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, h.max+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > h.max {
		return ErrObjectTooLarge
	}
	h.buf = data
	return nil
}

func (h *objectHandle) ReadAt(p []byte, off int64) (int, error) {
	if !h.flag.IsReadable() {
		return 0, ninep.ErrReadNotAllowed
	}
	if len(p) == 0 {
		return 0, nil
	}
	h.mu.Lock()
	if h.buf != nil {
		defer h.mu.Unlock()
		if off >= int64(len(h.buf)) {
			return 0, io.EOF
		}
		return copy(p, h.buf[off:]), nil
	}
	h.mu.Unlock()

	out, err := h.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		if isInvalidRange(err) {
			return 0, io.EOF
		}
		return 0, mapAwsErrToNinep(err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (h *objectHandle) WriteAt(p []byte, off int64) (int, error) {
	if !h.flag.IsWriteable() {
		return 0, ninep.ErrWriteNotAllowed
	}
	end := off + int64(len(p))
	if end > h.max {
		return 0, ErrObjectTooLarge
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if end > int64(len(h.buf)) {
		grown := make([]byte, end)
		copy(grown, h.buf)
		h.buf = grown
	}
	copy(h.buf[off:], p)
	h.dirty = true
	return len(p), nil
}

func (h *objectHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}
	_, err := h.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(h.key),
		Body:          bytes.NewReader(h.buf),
		ContentLength: aws.Int64(int64(len(h.buf))),
	})
	if err != nil {
		return mapAwsErrToNinep(err)
	}
	h.dirty = false
	return nil
}
