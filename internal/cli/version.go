package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invisible-tech/sentinel/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print sentinel version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentinel %s\n", version.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
