// vbootctl is a read-only diagnostic tool for the verified-boot library: it
// prints the GPT kernel-partition state and the non-volatile policy block
// the way the boot firmware sees them.
package main

import (
	"fmt"
	"os"

	"github.com/open-edge-platform/verified-boot/internal/utils/logger"
	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "vbootctl",
		Short: "Inspect verified-boot state on disk images",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.InitLogger(verbose)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(createInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}
