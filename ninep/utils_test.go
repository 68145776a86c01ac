package ninep

import (
	"strings"
	"testing"
)

func TestPathSplit(t *testing.T) {
	var tcs = []struct {
		path     string
		expected string
	}{
		{".", ""},
		{"/", ""},
		{"/a", "a"},
		{"a/", "a"},
		{"a/b", "a,b"},
		{"//a/./b/", "a,b"},
		{"./a/b/c/", "a,b,c"},
		{"a/../b", "a,..,b"},
	}
	for _, tc := range tcs {
		actual := strings.Join(PathSplit(tc.path), ",")
		if actual != tc.expected {
			t.Errorf("PathSplit(%q) => %q, expected %q", tc.path, actual, tc.expected)
		}
	}
}

func TestCleanPath(t *testing.T) {
	var tcs = []struct {
		path     string
		expected string
	}{
		{"", ""},
		{"/", ""},
		{".", ""},
		{"..", ""},
		{"a/../b", "b"},
		{"/a//b/", "a/b"},
		{"../../etc/passwd", "etc/passwd"},
	}
	for _, tc := range tcs {
		if actual := cleanPath(tc.path); actual != tc.expected {
			t.Errorf("cleanPath(%q) => %q, expected %q", tc.path, actual, tc.expected)
		}
	}
}

func TestParseDialString(t *testing.T) {
	var tcs = []struct {
		dial    string
		network string
		addr    string
	}{
		{"/run/vfs.sock", "unix", "/run/vfs.sock"},
		{"unix!/tmp/s", "unix", "/tmp/s"},
		{"tcp!localhost:564", "tcp", "localhost:564"},
	}
	for _, tc := range tcs {
		network, addr := ParseDialString(tc.dial)
		if network != tc.network || addr != tc.addr {
			t.Errorf("ParseDialString(%q) => (%q, %q), expected (%q, %q)", tc.dial, network, addr, tc.network, tc.addr)
		}
	}
}
