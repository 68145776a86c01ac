package ninep

import (
	"errors"
	"io"
	"net"
	"path"
	"strings"
	"syscall"
)

// Splits a slash separated path into its non-empty segments.
func PathSplit(p string) []string {
	parts := strings.Split(p, "/")
	res := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			res = append(res, part)
		}
	}
	return res
}

// Cleans a path to be relative to the root of the file system.
// The root itself is the empty string.
func cleanPath(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return ""
	}
	return p[1:]
}

func isClosedSocket(err error) bool {
	return err != nil &&
		(errors.Is(err, net.ErrClosed) ||
			errors.Is(err, io.EOF) ||
			errors.Is(err, syscall.EPIPE) ||
			errors.Is(err, syscall.ECONNRESET))
}

func isTemporaryErr(err error) bool {
	type t interface {
		Temporary() bool
	}

	if err, ok := err.(t); ok {
		return err.Temporary()
	}
	return false
}

// Reads one message, refusing anything larger than max bytes.
func readMsg(r io.Reader, max uint32) (MsgBase, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := bo.Uint32(hdr[:])
	if size < msgOffset {
		return nil, ErrBadFormat
	}
	if size > max {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, size)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return MsgBase(buf), nil
}

func writeMsg(w io.Writer, m []byte) error {
	for len(m) > 0 {
		n, err := w.Write(m)
		m = m[n:]
		if isTemporaryErr(err) {
			continue
		} else if err != nil {
			return err
		}
	}
	return nil
}
