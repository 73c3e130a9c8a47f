package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfg    = DefaultConfig()
	logger = slog.Default()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pdbdump",
	Short: "Inspect and rewrite managed PDB files",
	Long: `pdbdump reads Program Database files of managed modules and prints
their container layout or their decoded debug information as JSON or YAML.
It can also decode a PDB and encode it again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			loaded, err := LoadConfig(path)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger = cfg.Logger()
		return nil
	},
}

// applyFlags overrides configuration values with the flags set on cmd.
func applyFlags(cmd *cobra.Command, c *Config) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("format") {
		c.Output.Format, err = flags.GetString("format")
	}
	if err == nil && flags.Changed("log-level") {
		c.Logging.Level, err = flags.GetString("log-level")
	}
	if err == nil && flags.Changed("case-sensitive") {
		c.Decode.CaseSensitive, err = flags.GetBool("case-sensitive")
	}
	if err == nil && flags.Changed("tolerant") {
		c.Decode.Tolerant, err = flags.GetBool("tolerant")
	}
	if err == nil && flags.Lookup("page-size") != nil && flags.Changed("page-size") {
		c.Encode.PageSize, err = flags.GetUint32("page-size")
	}
	if err == nil && flags.Lookup("entry-point") != nil && flags.Changed("entry-point") {
		c.Encode.EntryPoint, err = flags.GetString("entry-point")
	}
	return err
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "YAML configuration file")
	flags.StringP("format", "f", "json", "Output format (json or yaml)")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.Bool("case-sensitive", false, "Match source and stream names case-sensitively")
	flags.Bool("tolerant", false, "Skip unknown records instead of failing")
}
