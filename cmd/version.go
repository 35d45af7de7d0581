package cmd

import (
	"fmt"

	"github.com/pgtrack/pgtrack/internal/version"
	"github.com/spf13/cobra"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display the version number of pgtrack",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pgtrack v%s@%s %s %s\n", version.App(), version.GitCommit, version.Platform(), version.BuildDate)
	},
}
