// Command ortrun inspects and runs models on the reference engine through
// the session layer.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewCLI creates the root command with all subcommands.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rt := &runtimeFlags{}
	rootCmd := &cobra.Command{
		Use:           "ortrun",
		Short:         "Run models through the inference session layer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rt.register(rootCmd)

	for _, cmd := range []*cobra.Command{
		newInfoCmd(rt),
		newRunCmd(rt),
		newBenchCmd(rt),
	} {
		rootCmd.AddCommand(cmd)
	}
	return rootCmd
}
