package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	vfs "github.com/jeffh/vfspreload/fs"
	"github.com/jeffh/vfspreload/ninep"
	"github.com/jeffh/vfspreload/preload"
)

// Builds the shared library into a temp dir, skipping when the toolchain
// can't produce one here.
func buildLibrary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds a shared library")
	}
	if runtime.GOOS != "linux" {
		t.Skip("LD_PRELOAD interposition is linux only")
	}
	goBin, err := exec.LookPath(filepath.Join(runtime.GOROOT(), "bin", "go"))
	if err != nil {
		if goBin, err = exec.LookPath("go"); err != nil {
			t.Skip("go command not found")
		}
	}
	out, err := exec.Command(goBin, "env", "CGO_ENABLED").Output()
	if err != nil || strings.TrimSpace(string(out)) != "1" {
		t.Skip("cgo is disabled")
	}
	cc := "gcc"
	if out, err := exec.Command(goBin, "env", "CC").Output(); err == nil && strings.TrimSpace(string(out)) != "" {
		cc = strings.Fields(string(out))[0]
	}
	if _, err := exec.LookPath(cc); err != nil {
		t.Skipf("C compiler %s not found", cc)
	}

	lib := filepath.Join(t.TempDir(), "libvfspreload.so")
	build := exec.Command(goBin, "build", "-buildmode=c-shared", "-o", lib, ".")
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build: %s\n%s", err, out)
	}
	return lib
}

func startServer(t *testing.T, fsys ninep.FileSystem) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "vfs.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	srv := &ninep.Server{NewHandler: ninep.FileSystemHandler(fsys, ninep.Loggable{})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return "unix!" + sock
}

// The environment without anything that would change how the library
// behaves.
func baseEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LD_PRELOAD=") || strings.HasPrefix(kv, "SANDSTORM_VFS_") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

type run struct {
	stdout, stderr string
	code           int
}

func preloaded(t *testing.T, lib string, env []string, name string, args ...string) run {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Env = append(baseEnv(), append(env, "LD_PRELOAD="+lib)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("%s: %s", name, err)
		}
		code = exitErr.ExitCode()
	}
	return run{stdout.String(), stderr.String(), code}
}

func TestPreloadedCat(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not found")
	}
	lib := buildLibrary(t)
	addr := startServer(t, vfs.NewMemWithFiles(map[string]string{"a/b": "hello from b\n"}))
	env := []string{preload.EnvServer + "=" + addr}

	passwd, err := os.ReadFile("/etc/passwd")
	if err != nil {
		t.Skip("no /etc/passwd to compare against")
	}

	tests := []struct {
		name   string
		env    []string
		path   string
		stdout string
		code   int
		stderr string
	}{
		{"virtual file", env, "/sandstorm-magic/a/b", "hello from b\n", 0, ""},
		{"missing virtual file", env, "/sandstorm-magic/nope", "", 1, "No such file or directory"},
		{"real file", env, "/etc/passwd", string(passwd), 0, ""},
		{"real file without an endpoint", nil, "/etc/passwd", string(passwd), 0, ""},
		{"virtual file without an endpoint", nil, "/sandstorm-magic/a/b", "", 1, preload.EnvServer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := preloaded(t, lib, tc.env, cat, tc.path)
			if res.code != tc.code {
				t.Fatalf("exit code %d, want %d (stderr %q)", res.code, tc.code, res.stderr)
			}
			if res.stdout != tc.stdout {
				t.Errorf("stdout = %q, want %q", res.stdout, tc.stdout)
			}
			if tc.stderr != "" && !strings.Contains(res.stderr, tc.stderr) {
				t.Errorf("stderr = %q, want it to mention %q", res.stderr, tc.stderr)
			}
		})
	}
}
