package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/heap-bridge/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// printer writes results, styled only when w is a terminal.
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter(w io.Writer) *printer {
	f, ok := w.(*os.File)
	return &printer{w: w, styled: ok && term.IsTerminal(int(f.Fd()))}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) result(text string) {
	fmt.Fprintln(p.w, p.render(resultStyle, text))
}

func (p *printer) fail(err error) {
	fmt.Fprintln(p.w, p.render(errorStyle, "Error: "+err.Error()))
}

func (p *printer) stats(s runtime.Stats) {
	fmt.Fprintln(p.w, p.render(helpStyle, formatStats(s)))
}

func formatStats(s runtime.Stats) string {
	return fmt.Sprintf("heap: live=%d allocated=%d freed=%d collections=%d | pinned=%d owners=%d tasks=%d threads=%d",
		s.Heap.Live, s.Heap.Allocated, s.Heap.Freed, s.Heap.Collections,
		s.Pinned, s.Owners, s.Tasks, s.Threads)
}
