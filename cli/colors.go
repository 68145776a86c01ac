package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// SupportsColor turns colored output off when asked to or when stdout is not
// a terminal, and reports whether color stays on.
func SupportsColor(noColorHint bool) bool {
	fd := os.Stdout.Fd()
	color.NoColor = noColorHint || (!isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd))
	return !color.NoColor
}

var (
	errorColor = color.New(color.FgRed, color.Bold)
	noteColor  = color.New(color.FgCyan)
)

// PrintError writes "error: <err>" to w, in red when color is on.
func PrintError(w io.Writer, err error) {
	errorColor.Fprint(w, "error:")
	fmt.Fprintf(w, " %s\n", err)
}

// PrintNote writes a highlighted informational line to w.
func PrintNote(w io.Writer, format string, args ...any) {
	noteColor.Fprintf(w, format+"\n", args...)
}
