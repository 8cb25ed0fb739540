package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/punchcardhq/punchcard/internal/core/auth"
	"github.com/punchcardhq/punchcard/internal/core/config"
	"github.com/punchcardhq/punchcard/internal/core/db"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate and store an admin API key",
	Long:  `Generates an API key under a configured HMAC secret and stores its hash. The key itself is printed once and never recoverable.`,
	RunE:  runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().String("secret-id", "", "HMAC secret ID to sign with (defaults to the only configured secret)")
	keygenCmd.Flags().String("label", "", "operator label for the key")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if dbURL == "" {
		return fmt.Errorf("--db-url required")
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set PC_HMAC_SECRET environment variable)")
	}

	secretID, _ := cmd.Flags().GetString("secret-id")
	if secretID == "" {
		if len(secrets) > 1 {
			return fmt.Errorf("multiple HMAC secrets configured, choose one with --secret-id")
		}
		for id := range secrets {
			secretID = id
		}
	}
	secret, ok := secrets[secretID]
	if !ok {
		return fmt.Errorf("secret_id %q is not configured", secretID)
	}

	key, hash, err := auth.GenerateAPIKey(secretID, secret)
	if err != nil {
		return err
	}

	conn, err := db.Open(dbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	queries, err := db.LoadQueries(conn)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}

	label, _ := cmd.Flags().GetString("label")
	keyID := uuid.Must(uuid.NewV7()).String()
	_, err = queries.Exec(context.Background(), "insert-api-key",
		keyID, hash, label, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	fmt.Printf("api_key_id: %s\n", keyID)
	fmt.Printf("api_key:    %s\n", key)
	fmt.Println("store the key now; only its hash is persisted")
	return nil
}
