package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/punchcardhq/punchcard/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if dbURL == "" {
		return fmt.Errorf("--db-url required")
	}
	conn, err := db.Open(dbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	if err := db.MigrateUp(conn); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	if dbURL == "" {
		return fmt.Errorf("--db-url required")
	}
	conn, err := db.Open(dbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	statuses, err := db.MigrateStatus(conn)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	for _, s := range statuses {
		state := "pending"
		if s.Applied && s.AppliedAt != nil {
			state = fmt.Sprintf("applied %s", s.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("%-40s %s\n", s.ID, state)
	}
	return nil
}
