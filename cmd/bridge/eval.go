package main

import (
	"github.com/spf13/cobra"
)

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <code>",
		Short: "Evaluate code in Main and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}
	cmd.Flags().Bool("stats", false, "Print heap and reference table statistics")
	return cmd
}

func runEval(cmd *cobra.Command, args []string) error {
	showStats, _ := cmd.Flags().GetBool("stats")

	b, err := newBridge(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer b.Close(ctx)

	p, err := b.Eval(ctx, args[0])
	if err != nil {
		return err
	}
	out := newPrinter(cmd.OutOrStdout())
	out.result(p.String())
	if showStats {
		out.stats(b.Stats())
	}
	return p.Close()
}
