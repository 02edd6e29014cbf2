// Command nyx is the server and operational CLI for the accounting
// automation pipeline: serve runs the HTTP API, migrate applies the
// relational schema, export/audit/rag expose the same operations the
// API does as scriptable one-shots for operators and CI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes shared across every subcommand.
const (
	exitOK                 = 0
	exitConfigError        = 2
	exitDependencyFailure  = 3
	exitIntegrityViolation = 4
)

func main() {
	root := &cobra.Command{
		Use:   "nyx",
		Short: "Accounting automation server and operator CLI",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newRAGCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}
