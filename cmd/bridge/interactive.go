package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/heap-bridge/runtime"
)

// maxTranscript bounds the number of evaluations shown on screen.
const maxTranscript = 20

type interactiveModel struct {
	ctx        context.Context
	bridge     *runtime.Bridge
	input      textinput.Model
	transcript []entry
	history    []string
	histIdx    int
	stats      string
	busy       bool
}

type entry struct {
	code   string
	result string
	err    error
}

type evalResultMsg struct {
	entry
	stats string
}

func newInteractiveModel(ctx context.Context, b *runtime.Bridge) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "x = [1, 2, 3]"
	ti.Prompt = "bridge> "
	ti.Width = 60
	ti.Focus()
	return &interactiveModel{
		ctx:    ctx,
		bridge: b,
		input:  ti,
		stats:  formatStats(b.Stats()),
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d", "esc":
			return m, tea.Quit

		case "up":
			if m.histIdx > 0 {
				m.histIdx--
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			}
			return m, nil

		case "down":
			if m.histIdx < len(m.history)-1 {
				m.histIdx++
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			} else {
				m.histIdx = len(m.history)
				m.input.SetValue("")
			}
			return m, nil

		case "enter":
			code := strings.TrimSpace(m.input.Value())
			if code == "" || m.busy {
				return m, nil
			}
			if code == "exit" || code == "quit" {
				return m, tea.Quit
			}
			m.history = append(m.history, code)
			m.histIdx = len(m.history)
			m.input.SetValue("")
			m.busy = true
			return m, m.evaluate(code)
		}

	case evalResultMsg:
		m.busy = false
		m.stats = msg.stats
		m.transcript = append(m.transcript, msg.entry)
		if len(m.transcript) > maxTranscript {
			m.transcript = m.transcript[len(m.transcript)-maxTranscript:]
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) evaluate(code string) tea.Cmd {
	return func() tea.Msg {
		result, err := replLine(m.ctx, m.bridge, code)
		return evalResultMsg{
			entry: entry{code: code, result: result, err: err},
			stats: formatStats(m.bridge.Stats()),
		}
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Heap Bridge"))
	b.WriteString("\n\n")

	for _, e := range m.transcript {
		b.WriteString(promptStyle.Render("bridge> "))
		b.WriteString(e.code)
		b.WriteString("\n")
		if e.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", e.err)))
		} else {
			b.WriteString(resultStyle.Render(e.result))
		}
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	if m.busy {
		b.WriteString(helpStyle.Render("  evaluating..."))
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render(m.stats))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter evaluate • ↑/↓ history • :stats • :gc • esc quit"))

	return b.String()
}

func runInteractive(ctx context.Context, b *runtime.Bridge) error {
	p := tea.NewProgram(newInteractiveModel(ctx, b), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
