package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/jtang613/mpdb/pkg/pdb"
)

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump <pdb-file>",
	Short: "Decode a PDB and print its debug information",
	Long: `Decode every module of a PDB and print functions, scopes, locals,
constants, line numbers and compiler metadata.

Example:
  pdbdump dump app.pdb --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(cmd.OutOrStdout(), args[0])
	},
}

func runDump(w io.Writer, path string) error {
	inst, err := pdb.Open(path, cfg.DecodeOptions(logger)...)
	if err != nil {
		return err
	}
	return writeOutput(w, inst, cfg.Output.Format)
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}
