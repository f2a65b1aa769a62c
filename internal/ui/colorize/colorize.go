package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var disabled atomic.Bool

// SetDisabled turns colors off regardless of the environment.
func SetDisabled(v bool) { disabled.Store(v) }

// IsDisabled returns true if colors are disabled by SetDisabled or the
// environment.
func IsDisabled() bool {
	return disabled.Load() || os.Getenv("VHOOK_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return nil
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Instruction colorizes an assembly instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := assemblyLexer()
	if lexer == nil {
		return insn
	}
	style := styles.Get("vhook-dark")
	if style == nil {
		style = styles.Fallback
	}

	it, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, style, it); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func render(s lipgloss.Style, text string) string {
	if IsDisabled() {
		return text
	}
	return s.Render(text)
}

// Address formats an address.
func Address(addr uint64) string { return render(addressStyle, fmt.Sprintf("%08X", addr)) }

// FuncName formats a function or method name.
func FuncName(name string) string { return render(addressStyle, name) }

// Detail formats secondary text.
func Detail(s string) string { return render(detailStyle, s) }

// Header formats a section header.
func Header(s string) string { return render(headerStyle, s) }

// Error formats an error message.
func Error(s string) string { return render(errorStyle, s) }

// OK formats a positive state (patched, enabled).
func OK(s string) string { return render(okStyle, s) }

var asciiBorder = lipgloss.Border{
	Top: "-", Bottom: "-", Left: "|", Right: "|",
	TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
	MiddleLeft: "+", MiddleRight: "+", Middle: "+", MiddleTop: "+", MiddleBottom: "+",
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Headers(headers...).
		Rows(rows...)
	if IsDisabled() {
		return t.Border(asciiBorder).String()
	}
	return t.
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		String()
}
