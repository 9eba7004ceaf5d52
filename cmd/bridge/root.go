package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/heap-bridge/heap"
	"github.com/wippyai/heap-bridge/runtime"
	"github.com/wippyai/heap-bridge/task"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bridge",
		Short: "Evaluate code in an embedded heap runtime",
		Long: `bridge - Run code in an embedded garbage-collected runtime.

Every evaluation runs on the bridge's worker pool, and results are held
through the reference table until they are printed. WebAssembly modules
can be loaded with --native to expose their numeric exports as functions.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().IntP("threads", "t", task.DefaultThreads, "Worker pool threads")
	root.PersistentFlags().Int("collect-every", heap.DefaultCollectEvery, "Allocations between collections (0 disables)")
	root.PersistentFlags().Bool("debug", false, "Enable development logging")
	root.PersistentFlags().StringArray("native", nil, "Load a WebAssembly module (name=path.wasm, repeatable)")

	root.AddCommand(newEvalCmd(), newReplCmd())
	return root
}

// newBridge creates a bridge from the persistent flags.
func newBridge(cmd *cobra.Command) (*runtime.Bridge, error) {
	flags := cmd.Root().PersistentFlags()
	threads, _ := flags.GetInt("threads")
	collectEvery, _ := flags.GetInt("collect-every")
	debug, _ := flags.GetBool("debug")
	natives, _ := flags.GetStringArray("native")

	opts := []runtime.Option{
		runtime.WithThreads(threads),
		runtime.WithCollectEvery(collectEvery),
	}
	if debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		opts = append(opts, runtime.WithLogger(logger))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := runtime.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	for _, spec := range natives {
		if err := loadNative(ctx, b, spec); err != nil {
			b.Close(ctx)
			return nil, err
		}
	}
	return b, nil
}

func loadNative(ctx context.Context, b *runtime.Bridge, spec string) error {
	name, path, ok := strings.Cut(spec, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("invalid native spec %q (expected name=path.wasm)", spec)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if _, err := b.LoadNative(ctx, name, data); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}
