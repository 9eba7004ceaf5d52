package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/wippyai/heap-bridge/runtime"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive REPL with persistent state",
		Long: `Start an interactive REPL session. Bindings persist in Main between lines.

Features:
  - Command history (up/down arrows)
  - Line editing and history search (Ctrl+R)
  - Multi-line input (end line with \)
  - :stats prints heap and reference table statistics
  - :gc runs a collection

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().BoolP("interactive", "i", false, "Full-screen TUI instead of a line editor")
	cmd.Flags().String("history", "", "History file path (default: ~/.bridge_history)")
	return cmd
}

func runRepl(cmd *cobra.Command, _ []string) error {
	interactive, _ := cmd.Flags().GetBool("interactive")
	historyFile, _ := cmd.Flags().GetString("history")

	b, err := newBridge(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer b.Close(ctx)

	if interactive {
		return runInteractive(ctx, b)
	}

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".bridge_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "bridge> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	out := newPrinter(cmd.OutOrStdout())
	fmt.Fprintln(cmd.ErrOrStderr(), "bridge REPL (type 'exit' to quit, Ctrl+D to exit)")

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("bridge> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("   ... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("bridge> ")
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		text, err := replLine(ctx, b, line)
		if err != nil {
			out.fail(err)
			continue
		}
		out.result(text)
	}
}

// replLine handles one REPL input: a colon command or code to evaluate.
func replLine(ctx context.Context, b *runtime.Bridge, line string) (string, error) {
	switch line {
	case ":stats":
		return formatStats(b.Stats()), nil
	case ":gc":
		b.Heap().Collect()
		return formatStats(b.Stats()), nil
	}
	if strings.HasPrefix(line, ":") {
		return "", fmt.Errorf("unknown command %s (try :stats or :gc)", line)
	}

	p, err := b.Eval(ctx, line)
	if err != nil {
		return "", err
	}
	defer p.Close()
	return p.String(), nil
}
