// Implements a 9p file system that talks to a given server via SFTP
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"

	"github.com/jeffh/vfspreload/ninep"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

type sftpFs struct {
	client *ssh.Client
	conn   *sftp.Client
	prefix string
}

var _ ninep.FileSystem = (*sftpFs)(nil)

// DefaultSSHConfig authenticates as sshUser (or the current user) with the
// ssh agent and the given private key, verifying hosts against knownHostsPath
// when one is given.
func DefaultSSHConfig(sshUser, sshKeyPath, knownHostsPath string, log *zap.Logger) (*ssh.ClientConfig, error) {
	if log == nil {
		log = zap.NewNop()
	}
	username := sshUser
	if username == "" {
		user, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("failed to determine current user: %w", err)
		}
		username = user.Username
	}

	hostKeys, err := hostKeyCallback(knownHostsPath)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User: username,
		Auth: removeNils([]ssh.AuthMethod{
			SSHAgent(log),
			publicKeyFile(sshKeyPath, log),
		}),
		HostKeyCallback: hostKeys,
	}
	return sshConfig, nil
}

// Dial connects to addr over ssh and returns a file system rooted at prefix.
func Dial(addr, prefix string, config *ssh.ClientConfig) (ninep.FileSystem, error) {
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	fsys, err := New(conn, prefix)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return fsys, nil
}

func New(conn *ssh.Client, prefix string) (ninep.FileSystem, error) {
	sftpConn, err := sftp.NewClient(conn)
	if err != nil {
		return nil, err
	}

	return &sftpFs{conn, sftpConn, prefix}, nil
}

func (fs *sftpFs) fullPath(p string) string {
	return path.Join(fs.prefix, p)
}

func (fs *sftpFs) OpenFile(ctx context.Context, p string, flag ninep.OpenMode) (ninep.FileHandle, error) {
	h, err := fs.conn.OpenFile(fs.fullPath(p), flag.ToOsFlag())
	if err != nil {
		return nil, mapErr(err)
	}
	return &File{h: h}, nil
}

func (fs *sftpFs) ListDir(ctx context.Context, p string) ([]os.FileInfo, error) {
	infos, err := fs.conn.ReadDir(fs.fullPath(p))
	if err != nil {
		return nil, mapErr(err)
	}
	for i, info := range infos {
		infos[i] = withUsers(info)
	}
	return infos, nil
}

func (fs *sftpFs) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	info, err := fs.conn.Stat(fs.fullPath(p))
	if err != nil {
		return nil, mapErr(err)
	}
	if p == "" {
		info = ninep.FileInfoWithName(info, "")
	}
	return withUsers(info), nil
}

// Remote ids mean nothing locally, so they are reported as numbers.
func withUsers(info os.FileInfo) os.FileInfo {
	st, ok := info.Sys().(*sftp.FileStat)
	if !ok {
		return info
	}
	uid := strconv.Itoa(int(st.UID))
	return ninep.FileInfoWithUsers(info, uid, strconv.Itoa(int(st.GID)), uid)
}

func (fs *sftpFs) Close() error {
	err := fs.conn.Close()
	if cerr := fs.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Translates sftp status codes into the io/fs errors the 9P server preserves
// over the wire.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return fmt.Errorf("%w: %s", os.ErrNotExist, se)
		case sftp.ErrSSHFxPermissionDenied:
			return fmt.Errorf("%w: %s", os.ErrPermission, se)
		case sftp.ErrSSHFxOpUnsupported:
			return fmt.Errorf("%w: %s", ninep.ErrUnsupported, se)
		}
	}
	return err
}
