package cmd

import (
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	var (
		port    int
		backend string
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration after defaults, the optional config file and
GATEWAY_* environment overrides have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, port, backend)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server port")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "override active backend")
	return cmd
}
