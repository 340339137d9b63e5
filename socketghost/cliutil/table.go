package cliutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

// colorEnabled is set once for stdout; NO_COLOR disables it.
var colorEnabled = StdoutIsTerminal() && os.Getenv("NO_COLOR") == ""

// StdoutIsTerminal reports whether stdout is attached to a terminal.
func StdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// maxCellWidth caps table cell width so long URLs don't wrap the terminal.
const maxCellWidth = 80

// NewTable returns a table writer mirrored to w in the light style.
func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	if !colorEnabled {
		t.Style().Color = table.ColorOptions{}
	}
	return t
}

// StatusRowPainter colors a row by the HTTP status code in column col.
func StatusRowPainter(col int) table.RowPainter {
	return func(row table.Row) text.Colors {
		if !colorEnabled || col >= len(row) {
			return nil
		}
		status, ok := row[col].(int)
		if !ok {
			return nil
		}
		switch {
		case status >= 500:
			return text.Colors{text.FgRed}
		case status >= 400:
			return text.Colors{text.FgYellow}
		case status >= 300:
			return text.Colors{text.FgCyan}
		case status == 0:
			return text.Colors{text.FgHiBlack}
		}
		return nil
	}
}

// Summary prints a count line below a table.
func Summary(w io.Writer, n int, singular, plural string) {
	noun := plural
	if n == 1 {
		noun = singular
	}
	_, _ = fmt.Fprintf(w, "\n%s %s\n", Bold(fmt.Sprint(n)), noun)
}

func NoResults(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, paint(msg, text.FgHiBlack))
}

func Hint(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, paint(msg, text.FgHiBlack))
}

// HintCommand prints a label followed by a command the user can run next.
func HintCommand(w io.Writer, label, command string) {
	_, _ = fmt.Fprintf(w, "%s: %s\n", paint(label, text.FgHiBlack), paint(command, text.FgCyan))
}

func Bold(s string) string {
	return paint(s, text.Bold)
}

func ID(s string) string {
	return paint(s, text.FgCyan)
}

func Error(s string) string {
	return paint(s, text.FgRed)
}

func Success(s string) string {
	return paint(s, text.FgGreen)
}

func paint(s string, c text.Color) string {
	if !colorEnabled {
		return s
	}
	return c.Sprint(s)
}

// Cell flattens s to one line and truncates it for display in a table.
func Cell(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	if text.StringWidthWithoutEscSequences(s) > maxCellWidth {
		return text.Trim(s, maxCellWidth-3) + "..."
	}
	return s
}
