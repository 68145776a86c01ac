package sftpfs

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

func expandHome(file string) string {
	if strings.HasPrefix(file, "~/") {
		if usr, err := user.Current(); err == nil {
			file = filepath.Join(usr.HomeDir, file[2:])
		}
	}
	return file
}

func publicKeyFile(file string, log *zap.Logger) ssh.AuthMethod {
	if file == "" {
		return nil
	}
	file = expandHome(file)

	buffer, err := os.ReadFile(file)
	if err != nil {
		return nil
	}

	key, err := ssh.ParsePrivateKey(buffer)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintf(os.Stderr, "Please enter passphrase for %v: ", file)
			password, _ := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			key, err = ssh.ParsePrivateKeyWithPassphrase(buffer, password)
		}
		if err != nil {
			log.Warn("failed to parse private key", zap.String("file", file), zap.Int("size", len(buffer)), zap.Error(err))
			return nil
		}
	}
	return ssh.PublicKeys(key)
}

func removeNils(methods []ssh.AuthMethod) []ssh.AuthMethod {
	res := make([]ssh.AuthMethod, 0, len(methods))
	for _, m := range methods {
		if m != nil {
			res = append(res, m)
		}
	}
	return res
}

func SSHAgent(log *zap.Logger) ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	sshAgent, err := net.Dial("unix", sock)
	if err != nil {
		log.Warn("error connecting to ssh agent", zap.Error(err))
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(sshAgent).Signers)
}

// An empty path accepts any host key.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(knownHostsPath))
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	return cb, nil
}
