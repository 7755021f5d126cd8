package tui

// TUI package provides terminal output helpers for the CLI:
//   - ANSI colors, enabled only when the writer is a terminal
//   - Status coloring for session tables
//   - Startup banner

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// =============================================================================
// COLORS
// =============================================================================

// The status colors share one length so colored table cells stay aligned.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorGreen  = "\033[0;32m"
	ColorCyan   = "\033[0;36m"
	ColorYellow = "\033[0;33m"
	ColorRed    = "\033[0;31m"
	ColorGray   = "\033[0;90m"
)

// IsTerminal reports whether w writes to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of w, or fallback when w is not a terminal.
func Width(w io.Writer, fallback int) int {
	f, ok := w.(*os.File)
	if !ok {
		return fallback
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// Palette colors text when enabled and passes it through otherwise.
type Palette struct {
	Enabled bool
}

// For returns a palette enabled when w is a terminal.
func For(w io.Writer) Palette {
	return Palette{Enabled: IsTerminal(w)}
}

// Paint wraps s in color.
func (p Palette) Paint(color, s string) string {
	if !p.Enabled {
		return s
	}
	return color + s + ColorReset
}

// Status colors an exchange status: completed green, error red, anything
// else (pending) yellow.
func (p Palette) Status(status string) string {
	switch status {
	case "completed":
		return p.Paint(ColorGreen, status)
	case "error":
		return p.Paint(ColorRed, status)
	default:
		return p.Paint(ColorYellow, status)
	}
}

// =============================================================================
// PRINT FUNCTIONS
// =============================================================================

// PrintBanner writes the startup banner: name and version, listen address,
// backend, and where the UI lives.
func PrintBanner(w io.Writer, version, addr, backend, uiURL string) {
	p := For(w)
	fmt.Fprintf(w, "\n  %s %s\n\n", p.Paint(ColorBold, "LLMiddler"), p.Paint(ColorGray, version))
	fmt.Fprintf(w, "  %s  %s\n", p.Paint(ColorCyan, "listen "), addr)
	fmt.Fprintf(w, "  %s  %s\n", p.Paint(ColorCyan, "backend"), backend)
	fmt.Fprintf(w, "  %s  %s\n\n", p.Paint(ColorCyan, "ui     "), uiURL)
}
