package main

import (
	"PowerPerp/internal/config"
	"PowerPerp/internal/state"

	"github.com/spf13/cobra"
)

func paramsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Print the effective protocol parameters",
		Long: "Loads the defaults overlaid with --file (or PP_PARAMS_FILE), validates\n" +
			"them and prints the result as YAML.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadParams(file)
			if err != nil {
				return err
			}
			return config.WriteParams(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML parameter file")
	return cmd
}

// loadParams falls back to PP_PARAMS_FILE, then to the defaults.
func loadParams(file string) (*state.ProtocolParams, error) {
	if file == "" {
		file = config.Load().ParamsFile
	}
	return config.LoadParams(file)
}
