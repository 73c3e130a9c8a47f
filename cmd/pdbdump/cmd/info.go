package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/jtang613/mpdb/pkg/pdb"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <pdb-file>",
	Short: "Show container information",
	Long: `Show the PDB identity, the named streams and the DBI module table
without decoding module contents.

Example:
  pdbdump info app.pdb --symbols`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		symbols, _ := cmd.Flags().GetBool("symbols")
		return runInfo(cmd.OutOrStdout(), args[0], symbols)
	},
}

type infoResult struct {
	Info    *pdb.PDBInfo     `json:"info"`
	Modules []pdb.ModuleInfo `json:"modules"`
	Symbols []pdb.SymbolRef  `json:"symbols,omitempty"`
}

func runInfo(w io.Writer, path string, symbols bool) error {
	f, err := pdb.OpenFile(path, cfg.DecodeOptions(logger)...)
	if err != nil {
		return err
	}
	defer f.Close()

	result := infoResult{Info: f.Info(), Modules: f.Modules()}
	if symbols {
		if result.Symbols, err = f.Symbols(); err != nil {
			return err
		}
	}
	return writeOutput(w, result, cfg.Output.Format)
}

func init() {
	infoCmd.Flags().Bool("symbols", false, "Include the symbol record stream")
	rootCmd.AddCommand(infoCmd)
}
