package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jtang613/mpdb/pkg/pdb"
)

// rewriteCmd represents the rewrite command
var rewriteCmd = &cobra.Command{
	Use:   "rewrite <input> <output>",
	Short: "Decode a PDB and encode it again",
	Long: `Decode a PDB and write it back as a new container. Function
addresses are reassigned and the symbol indices are rebuilt.

Example:
  pdbdump rewrite app.pdb out.pdb --entry-point 0x06000001`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRewrite(cmd.OutOrStdout(), args[0], args[1])
	},
}

func runRewrite(w io.Writer, in, out string) error {
	inst, err := pdb.Open(in, cfg.DecodeOptions(logger)...)
	if err != nil {
		return err
	}
	opts, err := cfg.EncodeOptions(logger)
	if err != nil {
		return err
	}
	if err := pdb.Create(out, inst, opts...); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %s: %d modules, %d functions\n", out, len(inst.Modules), len(inst.Functions()))
	return nil
}

func init() {
	rewriteCmd.Flags().Uint32("page-size", 512, "Container page size")
	rewriteCmd.Flags().String("entry-point", "", "Entry point method token")
	rootCmd.AddCommand(rewriteCmd)
}
