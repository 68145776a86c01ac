// Reads and writes virtual files through the same open/read/write/close path
// a preloaded process takes, without needing LD_PRELOAD.
//
// Usage:
//
//	vfsctl [OPTIONS] cat PATH...
//	vfsctl [OPTIONS] put PATH < CONTENTS
//	vfsctl [OPTIONS] stat PATH...
//
// PATHs are relative to the mount unless they are absolute.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/jeffh/vfspreload/cli"
	"github.com/jeffh/vfspreload/preload"
	"golang.org/x/sys/unix"
)

func main() {
	var (
		logCfg  cli.LogConfig
		noColor bool
		addr    string
		user    string
		appendF bool
	)
	logCfg.SetFlags(nil)
	flag.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flag.StringVar(&addr, "server", os.Getenv(preload.EnvServer), "Dial string of the 9p server (defaults to $"+preload.EnvServer+")")
	flag.StringVar(&user, "user", os.Getenv(preload.EnvUser), "User to attach as")
	flag.BoolVar(&appendF, "append", false, "put appends instead of truncating")
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage: %s [OPTIONS] cat|put|stat PATH...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	cli.SupportsColor(noColor)

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	if addr == "" {
		cli.PrintError(os.Stderr, preload.ErrNoEndpoint)
		os.Exit(2)
	}

	log, err := logCfg.NewLogger()
	if err != nil {
		cli.PrintError(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	real := preload.Syscalls{}
	loop := preload.NewLoop()
	shim := &preload.Shim{
		Real:    real,
		Loop:    loop,
		Table:   preload.NewFdTable(real),
		Router:  preload.DefaultRouter(),
		Session: preload.NewSession(loop, preload.Config{Addr: addr, User: user}, log),
		Logger:  log,
	}

	var run func(*preload.Shim, string) error
	switch cmd := flag.Arg(0); cmd {
	case "cat":
		run = cat
	case "stat":
		run = stat
	case "put":
		run = func(s *preload.Shim, p string) error { return put(s, p, appendF) }
	default:
		cli.PrintError(os.Stderr, fmt.Errorf("unknown command %q", cmd))
		os.Exit(2)
	}

	exitCode := 0
	for _, p := range flag.Args()[1:] {
		if err := run(shim, mountPath(p)); err != nil {
			cli.PrintError(os.Stderr, fmt.Errorf("%s: %w", p, err))
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func mountPath(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return path.Join(preload.DefaultMount, p)
}

// Adapts a shim descriptor to io.Reader and io.Writer.
type shimFile struct {
	s  *preload.Shim
	fd int
}

func (f shimFile) Read(p []byte) (int, error) {
	n, err := f.s.Read(f.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f shimFile) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := f.s.Write(f.fd, p[written:])
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
		written += n
	}
	return written, nil
}

func cat(s *preload.Shim, p string) error {
	fd, err := s.Open(p, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer s.Close(fd)
	_, err = io.Copy(os.Stdout, shimFile{s, fd})
	return err
}

func put(s *preload.Shim, p string, appending bool) error {
	flags := unix.O_WRONLY | unix.O_TRUNC
	if appending {
		flags = unix.O_WRONLY | unix.O_APPEND
	}
	fd, err := s.Open(p, flags, 0)
	if err != nil {
		return err
	}
	_, err = io.Copy(shimFile{s, fd}, os.Stdin)
	return errors.Join(err, s.Close(fd))
}

// Reports whether the path resolves and, for files, its size as read.
func stat(s *preload.Shim, p string) error {
	fd, err := s.Open(p, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer s.Close(fd)
	n, err := io.Copy(io.Discard, shimFile{s, fd})
	if errors.Is(err, unix.EISDIR) {
		cli.PrintNote(os.Stdout, "%s: directory", p)
		return nil
	}
	if err != nil {
		return err
	}
	cli.PrintNote(os.Stdout, "%s: file, %d bytes", p, n)
	return nil
}
