package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/heap-bridge/runtime"
)

// addWasm exports add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func executeCommand(args ...string) (string, error) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"bridge", "eval", "repl", "--threads", "--collect-every", "--debug", "--native"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand("repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"--interactive", "--history", ":stats", ":gc"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestEvalCommand(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"eval", "1 + 2"}, []string{"3\n"}},
		{[]string{"eval", `"a" + "b"`}, []string{`"ab"`}},
		{[]string{"--threads", "2", "eval", "--stats", "x = [1, 2]"}, []string{"[1, 2]", "pinned=", "threads=2"}},
		{[]string{"--debug", "eval", "nothing"}, []string{"nothing"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			output, err := executeCommand(tt.args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(output, want) {
					t.Errorf("output %q should contain %q", output, want)
				}
			}
			if strings.Contains(output, "\x1b[") {
				t.Errorf("output to a buffer should not be styled: %q", output)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"undefined", []string{"eval", "nosuch + 1"}, "nosuch"},
		{"no code", []string{"eval"}, "accepts 1 arg"},
		{"bad threads", []string{"--threads", "0", "eval", "1"}, "thread count"},
		{"bad native spec", []string{"--native", "nofile", "eval", "1"}, "invalid native spec"},
		{"missing native file", []string{"--native", "m=/nonexistent/m.wasm", "eval", "1"}, "read /nonexistent/m.wasm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := executeCommand(tt.args...)
			if err == nil {
				t.Fatalf("expected an error, output: %s", output)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestEvalNative(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adder.wasm")
	if err := os.WriteFile(path, addWasm, 0o600); err != nil {
		t.Fatalf("write wasm: %v", err)
	}

	output, err := executeCommand("--native", "adder="+path, "eval", "add(40, 2)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "42") {
		t.Fatalf("output %q should contain 42", output)
	}
}

func newTestBridge(t *testing.T) *runtime.Bridge {
	t.Helper()
	ctx := context.Background()
	b, err := runtime.New(ctx, runtime.WithCollectEvery(0))
	if err != nil {
		t.Fatalf("runtime.New failed: %v", err)
	}
	t.Cleanup(func() { b.Close(ctx) })
	return b
}

func TestReplLine(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	if got, err := replLine(ctx, b, "x = 20"); err != nil || got != "20" {
		t.Fatalf("x = 20: got %q, %v", got, err)
	}
	if got, err := replLine(ctx, b, "x + 22"); err != nil || got != "42" {
		t.Fatalf("x + 22: got %q, %v", got, err)
	}
	for _, cmd := range []string{":stats", ":gc"} {
		got, err := replLine(ctx, b, cmd)
		if err != nil || !strings.Contains(got, "pinned=") {
			t.Fatalf("%s: got %q, %v", cmd, got, err)
		}
	}
	if _, err := replLine(ctx, b, ":nope"); err == nil {
		t.Fatal("unknown command succeeded")
	}
	if _, err := replLine(ctx, b, "1 +"); err == nil {
		t.Fatal("incomplete expression succeeded")
	}
}

func TestInteractiveModel(t *testing.T) {
	b := newTestBridge(t)
	m := newInteractiveModel(context.Background(), b)

	m.input.SetValue("y = 6 * 7")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil || !m.busy {
		t.Fatal("enter did not start an evaluation")
	}
	if m.input.Value() != "" {
		t.Fatalf("input not cleared: %q", m.input.Value())
	}

	m.Update(cmd())
	if m.busy {
		t.Fatal("model still busy after the result")
	}
	if len(m.transcript) != 1 || m.transcript[0].result != "42" || m.transcript[0].err != nil {
		t.Fatalf("transcript = %+v", m.transcript)
	}
	if view := m.View(); !strings.Contains(view, "y = 6 * 7") || !strings.Contains(view, "42") {
		t.Fatalf("view does not show the evaluation:\n%s", view)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	if m.input.Value() != "y = 6 * 7" {
		t.Fatalf("history up = %q", m.input.Value())
	}
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	if m.input.Value() != "" {
		t.Fatalf("history down = %q", m.input.Value())
	}

	m.input.SetValue("nosuch")
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m.Update(cmd())
	if last := m.transcript[len(m.transcript)-1]; last.err == nil {
		t.Fatalf("undefined name evaluated to %q", last.result)
	}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc}); cmd == nil {
		t.Fatal("esc did not quit")
	}
}
