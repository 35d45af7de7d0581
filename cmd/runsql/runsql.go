// Package runsql implements the run-sql command, the CLI entry point to the
// reconciliation engine.
package runsql

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/pgtrack/pgtrack/cmd/util"
	"github.com/pgtrack/pgtrack/internal/config"
	"github.com/pgtrack/pgtrack/internal/metadata"
	"github.com/pgtrack/pgtrack/internal/reconcile"
	"github.com/spf13/cobra"
)

var (
	runHost            string
	runPort            int
	runDB              string
	runUser            string
	runPassword        string
	runApplicationName string
	runSource          string
	runCascade         bool
	runFile            string
	runConfigFile      string
)

var RunSQLCmd = &cobra.Command{
	Use:   "run-sql [sql]",
	Short: "Run a SQL mutation through the reconciliation engine",
	Long: `Run an arbitrary SQL statement (or a file of statements) inside a
reconciliation transaction. The tracked catalog objects are snapshotted before
and after the statements execute; if the change drops or invalidates tracked
metadata, the transaction is aborted unless --cascade is given, in which case
the invalidated metadata is purged and the schema cache rebuilt.`,
	Args: cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		util.ApplyPgEnv(cmd, &runHost, &runPort, &runDB, &runUser, &runPassword)
	},
	RunE: runRunSQL,
}

func init() {
	RunSQLCmd.Flags().StringVar(&runHost, "host", "localhost", "Database server host")
	RunSQLCmd.Flags().IntVar(&runPort, "port", 5432, "Database server port")
	RunSQLCmd.Flags().StringVar(&runDB, "db", "", "Database name (required unless set in config)")
	RunSQLCmd.Flags().StringVar(&runUser, "user", "", "Database user name (required unless set in config)")
	RunSQLCmd.Flags().StringVar(&runPassword, "password", "", "Database password (optional)")
	RunSQLCmd.Flags().StringVar(&runApplicationName, "application-name", "pgtrack", "Application name for database connection (visible in pg_stat_activity)")
	RunSQLCmd.Flags().StringVar(&runSource, "source", "default", "Metadata source to reconcile against")
	RunSQLCmd.Flags().BoolVar(&runCascade, "cascade", false, "Purge metadata objects invalidated by the change instead of aborting")
	RunSQLCmd.Flags().StringVar(&runFile, "file", "", "Path to a SQL file to run instead of a command-line argument")
	RunSQLCmd.Flags().StringVar(&runConfigFile, "config", "", "Path to a TOML config file")
}

func runRunSQL(cmd *cobra.Command, args []string) error {
	conn := config.ConnectionConfig{
		Host:            runHost,
		Port:            runPort,
		Database:        runDB,
		User:            runUser,
		Password:        runPassword,
		SSLMode:         "prefer",
		ApplicationName: runApplicationName,
	}
	source := runSource

	if runConfigFile != "" {
		cfg, err := config.Load(runConfigFile)
		if err != nil {
			return err
		}
		mergeConnection(cmd, &conn, &cfg.Connection)
		if !cmd.Flags().Changed("source") && cfg.Source != "" {
			source = cfg.Source
		}
	}
	if conn.Database == "" || conn.User == "" {
		return fmt.Errorf("database and user are required (--db/--user, PG* environment, or config file)")
	}

	sqlText, err := readSQL(args)
	if err != nil {
		return err
	}
	statements, err := pg_query.SplitWithParser(sqlText, true) // trimSpace = true
	if err != nil {
		return fmt.Errorf("failed to split SQL statements: %w", err)
	}
	if len(statements) == 0 {
		return fmt.Errorf("no SQL statements to run")
	}

	ctx := cmd.Context()
	db, err := util.Connect(ctx, &conn)
	if err != nil {
		return err
	}
	defer db.Close()

	store := metadata.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := store.Load(ctx); err != nil {
		return err
	}

	engine := reconcile.New(db, store)
	_, err = engine.Run(ctx, reconcile.Request{
		Source:  source,
		Cascade: runCascade,
		Mutation: func(ctx context.Context, tx *sql.Tx) (any, error) {
			for _, stmt := range statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return nil, fmt.Errorf("statement %q: %w", abbreviate(stmt), err)
				}
			}
			return len(statements), nil
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("Ran %d statement(s); metadata reconciled for source %q.\n", len(statements), source)
	return nil
}

// mergeConnection fills connection fields from the config file when the
// corresponding flag was not given explicitly.
func mergeConnection(cmd *cobra.Command, dst *config.ConnectionConfig, file *config.ConnectionConfig) {
	if !cmd.Flags().Changed("host") && file.Host != "" {
		dst.Host = file.Host
	}
	if !cmd.Flags().Changed("port") && file.Port != 0 {
		dst.Port = file.Port
	}
	if !cmd.Flags().Changed("db") && file.Database != "" {
		dst.Database = file.Database
	}
	if !cmd.Flags().Changed("user") && file.User != "" {
		dst.User = file.User
	}
	if !cmd.Flags().Changed("password") && file.Password != "" {
		dst.Password = file.Password
	}
	if file.SSLMode != "" {
		dst.SSLMode = file.SSLMode
	}
	if !cmd.Flags().Changed("application-name") && file.ApplicationName != "" {
		dst.ApplicationName = file.ApplicationName
	}
}

func readSQL(args []string) (string, error) {
	if runFile != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("provide SQL either as an argument or via --file, not both")
		}
		data, err := os.ReadFile(runFile)
		if err != nil {
			return "", fmt.Errorf("failed to read SQL file: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("no SQL given: pass a statement as an argument or use --file")
	}
	return args[0], nil
}

func abbreviate(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 60 {
		return stmt[:57] + "..."
	}
	return stmt
}
