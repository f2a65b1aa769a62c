// Package colorize renders vhook terminal output: chroma for disassembly,
// lipgloss for labels and tables.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

// Theme colors
const (
	ColorAddress  = "#FFC800" // yellow addresses and labels
	ColorRegister = "#87CEEB" // light blue registers
	ColorNumber   = "#FF80C0" // pink numbers
	ColorComment  = "#FF8000" // orange comments
	ColorDetail   = "#B4B4B4" // light gray details
	ColorBorder   = "#505050" // dark gray borders
	ColorHeader   = "#569CD6" // blue headers
	ColorOK       = "#5FD75F" // green patched/enabled
)

// DisasmDark is the chroma style used for instructions.
var DisasmDark = styles.Register(chroma.MustNewStyle("vhook-dark", chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        ColorComment,
	chroma.CommentPreproc: ColorComment,

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          ColorRegister,
	chroma.NameBuiltin:   ColorRegister,
	chroma.NameVariable:  ColorRegister,

	chroma.LiteralNumber:        ColorNumber,
	chroma.LiteralNumberHex:     ColorNumber,
	chroma.LiteralNumberInteger: ColorNumber,

	chroma.NameLabel:    ColorAddress,
	chroma.NameFunction: "#FFFFFF",
	chroma.Operator:     "#FFFFFF",
	chroma.Punctuation:  "#FFFFFF",
	chroma.String:       "#00FF00",
}))

var (
	addressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAddress))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDetail))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHeader)).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorNumber))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorOK))
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorBorder))
)
