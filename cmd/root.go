package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pgtrack/pgtrack/cmd/runsql"
	"github.com/pgtrack/pgtrack/internal/logger"
	"github.com/pgtrack/pgtrack/internal/version"
	"github.com/spf13/cobra"
)

var Debug bool

var RootCmd = &cobra.Command{
	Use:   "pgtrack",
	Short: "PostgreSQL metadata reconciliation engine",
	Long: fmt.Sprintf(`pgtrack runs schema-mutating SQL against a PostgreSQL database and
reconciles tracked metadata with whatever the statement changed in the
catalog: renames are followed, invalidated objects are purged (with --cascade)
and the schema cache is rebuilt.

Version: %s@%s %s %s

Commands:
  run-sql  Run a SQL mutation through the reconciliation engine

Use "pgtrack [command] --help" for more information about a command.`,
		version.App(), version.GitCommit, version.Platform(), version.BuildDate),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger()
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "Enable debug logging")
	RootCmd.AddCommand(runsql.RunSQLCmd)
	RootCmd.AddCommand(VersionCmd)
}

func setupLogger() {
	level := slog.LevelInfo
	if Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger.SetGlobal(slog.New(handler))
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
