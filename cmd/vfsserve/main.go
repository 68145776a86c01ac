// Serves a file system over 9P for preloaded processes to reach under
// /sandstorm-magic.
//
// Usage:
//
//	vfsserve [OPTIONS] mem [PATH=CONTENTS ...]
//	vfsserve [OPTIONS] dir ROOT
//	vfsserve [OPTIONS] sftp [USER@]HOST[:PORT]
//	vfsserve [OPTIONS] s3 [ENDPOINT]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jeffh/vfspreload/cli"
	"github.com/jeffh/vfspreload/fs"
	"github.com/jeffh/vfspreload/fs/s3fs"
	"github.com/jeffh/vfspreload/fs/sftpfs"
	"github.com/jeffh/vfspreload/ninep"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
)

var (
	sshKey     string
	knownHosts string
	prefix     string
)

func main() {
	flag.StringVar(&sshKey, "ssh-key", "~/.ssh/id_ed25519", "SSH private key for the sftp backend")
	flag.StringVar(&knownHosts, "known-hosts", "", "known_hosts file to verify sftp hosts against (empty accepts any host)")
	flag.StringVar(&prefix, "prefix", "", "Remote directory the sftp backend is rooted at")

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Serves a virtual filesystem over 9p\n")
		fmt.Fprintf(out, "Usage: %s [OPTIONS] mem|dir|sftp|s3 [ARGS]\n", os.Args[0])
		flag.PrintDefaults()
	}

	cli.BasicServerMain(createFs)
}

func createFs(log *zap.Logger) (ninep.FileSystem, error) {
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	args := flag.Args()[1:]

	switch backend := flag.Arg(0); backend {
	case "mem":
		files := make(map[string]string, len(args))
		for _, arg := range args {
			name, contents, ok := strings.Cut(arg, "=")
			if !ok {
				return nil, fmt.Errorf("expected PATH=CONTENTS, got %q", arg)
			}
			files[name] = contents
		}
		m := fs.NewMem()
		if err := fs.Populate(m, files); err != nil {
			return nil, err
		}
		return m, nil

	case "dir":
		if len(args) != 1 {
			return nil, errors.New("dir needs exactly one ROOT")
		}
		info, err := os.Stat(args[0])
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", args[0])
		}
		return fs.Dir(args[0]), nil

	case "sftp":
		if len(args) != 1 {
			return nil, errors.New("sftp needs exactly one [USER@]HOST[:PORT]")
		}
		user, host, ok := strings.Cut(args[0], "@")
		if !ok {
			user, host = "", args[0]
		}
		if !strings.Contains(host, ":") {
			host += ":22"
		}
		sshConfig, err := sftpfs.DefaultSSHConfig(user, sshKey, knownHosts, log)
		if err != nil {
			return nil, err
		}
		log.Info("connecting", zap.String("user", sshConfig.User), zap.String("host", host))
		return sftpfs.Dial(host, prefix, sshConfig)

	case "s3":
		endpoint := ""
		if len(args) > 0 {
			endpoint = args[0]
		}
		return s3fs.NewBasicFs(context.Background(), endpoint)

	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
