package util

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// GetEnvWithDefault returns the value of an environment variable or a
// default when unset.
func GetEnvWithDefault(envVar, defaultValue string) string {
	if value := os.Getenv(envVar); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvIntWithDefault returns the value of an environment variable as int
// or a default when unset or unparseable.
func GetEnvIntWithDefault(envVar string, defaultValue int) int {
	if value := os.Getenv(envVar); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// ApplyPgEnv fills connection flags from the standard PG* environment
// variables when the corresponding flag was not set explicitly.
func ApplyPgEnv(cmd *cobra.Command, hostPtr *string, portPtr *int, dbPtr, userPtr, passwordPtr *string) {
	if v := GetEnvWithDefault("PGHOST", ""); v != "" && !cmd.Flags().Changed("host") {
		*hostPtr = v
	}
	if v := GetEnvIntWithDefault("PGPORT", 0); v != 0 && !cmd.Flags().Changed("port") {
		*portPtr = v
	}
	if v := GetEnvWithDefault("PGDATABASE", ""); v != "" && !cmd.Flags().Changed("db") {
		*dbPtr = v
	}
	if v := GetEnvWithDefault("PGUSER", ""); v != "" && !cmd.Flags().Changed("user") {
		*userPtr = v
	}
	if v := GetEnvWithDefault("PGPASSWORD", ""); v != "" && !cmd.Flags().Changed("password") {
		*passwordPtr = v
	}
}
