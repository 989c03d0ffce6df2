package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pixelbatch",
	Short: "Batch image compression and format conversion",
	Long: `pixelbatch compresses, resizes and converts images to JPEG, PNG, WebP
and AVIF. Run it against local files, or start the HTTP API with cmd/api.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newCompressCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
