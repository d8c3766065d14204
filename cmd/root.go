package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "llm-gateway",
		Short: "Streaming chat gateway for Ollama, GLM and Kimi",
		Long: `llm-gateway exposes a single chat completion endpoint and forwards every
request to the configured backend (OLLAMA, GLM or KIMI), relaying the
upstream response to the caller chunk by chunk.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file")

	root.AddCommand(
		newServeCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
