package fs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/jeffh/vfspreload/ninep"
)

func TestMemStatAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemWithFiles(map[string]string{
		"a/b":     "hello",
		"a/c/d":   "",
		"top.txt": "x",
	})

	cases := []struct {
		path  string
		isDir bool
		size  int64
	}{
		{"", true, 0},
		{"a", true, 0},
		{"a/b", false, 5},
		{"a/c", true, 0},
		{"a/c/d", false, 0},
		{"top.txt", false, 1},
	}
	for _, tc := range cases {
		info, err := m.Stat(ctx, tc.path)
		if err != nil {
			t.Fatalf("Stat(%q): %s", tc.path, err)
		}
		if info.IsDir() != tc.isDir {
			t.Errorf("Stat(%q).IsDir() = %v, want %v", tc.path, info.IsDir(), tc.isDir)
		}
		if !tc.isDir && info.Size() != tc.size {
			t.Errorf("Stat(%q).Size() = %d, want %d", tc.path, info.Size(), tc.size)
		}
	}

	infos, err := m.ListDir(ctx, "a")
	if err != nil {
		t.Fatalf("ListDir: %s", err)
	}
	if len(infos) != 2 || infos[0].Name() != "b" || infos[1].Name() != "c" {
		t.Fatalf("unexpected listing: %v", infos)
	}
}

func TestMemMissingPaths(t *testing.T) {
	ctx := context.Background()
	m := NewMemWithFiles(map[string]string{"a/b": "hello"})

	if _, err := m.Stat(ctx, "a/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if _, err := m.Stat(ctx, "a/b/c"); !errors.Is(err, ninep.ErrWalkNotDir) {
		t.Errorf("expected ErrWalkNotDir, got %v", err)
	}
	if _, err := m.OpenFile(ctx, "a", ninep.OREAD); err == nil {
		t.Errorf("expected opening a directory to fail")
	}
	if err := m.WriteFile("a", nil, 0644); !errors.Is(err, fs.ErrExist) {
		t.Errorf("expected ErrExist writing over a dir, got %v", err)
	}
}

func TestMemReadWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemWithFiles(map[string]string{"f": "hello"})

	h, err := m.OpenFile(ctx, "f", ninep.ORDWR)
	if err != nil {
		t.Fatalf("OpenFile: %s", err)
	}
	defer h.Close()

	if n, err := h.WriteAt([]byte("world!"), 3); err != nil || n != 6 {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}

	buf := make([]byte, 32)
	n, err := h.ReadAt(buf, 0)
	if err != io.EOF {
		t.Fatalf("expected io.EOF on short read, got %v", err)
	}
	if got := string(buf[:n]); got != "helworld!" {
		t.Fatalf("contents = %q", got)
	}

	if _, err := h.ReadAt(buf, 100); err != io.EOF {
		t.Errorf("expected io.EOF past the end, got %v", err)
	}

	ro, err := m.OpenFile(ctx, "f", ninep.OREAD)
	if err != nil {
		t.Fatalf("OpenFile: %s", err)
	}
	if _, err := ro.WriteAt([]byte("x"), 0); !errors.Is(err, ninep.ErrWriteNotAllowed) {
		t.Errorf("expected ErrWriteNotAllowed, got %v", err)
	}

	tr, err := m.OpenFile(ctx, "f", ninep.OWRITE|ninep.OTRUNC)
	if err != nil {
		t.Fatalf("OpenFile: %s", err)
	}
	tr.Close()
	if info, _ := m.Stat(ctx, "f"); info.Size() != 0 {
		t.Errorf("expected truncation, size is %d", info.Size())
	}
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	ro := ReadOnly(NewMemWithFiles(map[string]string{"f": "data"}))

	for _, mode := range []ninep.OpenMode{ninep.OWRITE, ninep.ORDWR, ninep.OREAD | ninep.OTRUNC} {
		if _, err := ro.OpenFile(ctx, "f", mode); !errors.Is(err, ninep.ErrWriteNotAllowed) {
			t.Errorf("OpenFile(%s): expected ErrWriteNotAllowed, got %v", mode, err)
		}
	}
	h, err := ro.OpenFile(ctx, "f", ninep.OREAD)
	if err != nil {
		t.Fatalf("OpenFile: %s", err)
	}
	h.Close()
}
