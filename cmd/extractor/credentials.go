package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonathan/contact-extractor/internal/credentials"
	"github.com/jonathan/contact-extractor/internal/db"
)

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Print a new credentials encryption key",
	Long:  `Prints a random base64 key suitable for CREDENTIALS_KEY.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := credentials.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var encryptPasswordsCmd = &cobra.Command{
	Use:   "encrypt-passwords",
	Short: "Encrypt plaintext roster passwords in place",
	Long:  `Encrypts every reply_password that is not encrypted yet with CREDENTIALS_KEY. Already encrypted values are left alone.`,
	Args:  cobra.NoArgs,
	RunE:  runEncryptPasswords,
}

var encryptDryRun bool

func init() {
	encryptPasswordsCmd.Flags().BoolVar(&encryptDryRun, "dry-run", false, "Report what would be encrypted without writing")
	rootCmd.AddCommand(genKeyCmd, encryptPasswordsCmd)
}

// passwordStore is the roster access encrypt-passwords needs.
type passwordStore interface {
	ListClientPasswords(ctx context.Context) ([]db.ClientPassword, error)
	UpdateClientPassword(ctx context.Context, clientID int64, encrypted string) error
}

type encrypter interface {
	Encrypt(plaintext string) (string, error)
}

func runEncryptPasswords(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cipher, err := credentials.NewCipher(cfg.CredentialsKey)
	if err != nil {
		return err
	}
	database, err := db.Connect(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	n, err := encryptPasswords(cmd.Context(), database, cipher, encryptDryRun, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d passwords encrypted\n", n)
	return nil
}

// encryptPasswords encrypts every plaintext password and returns how many were changed.
// Empty passwords are skipped.
func encryptPasswords(ctx context.Context, store passwordStore, enc encrypter, dryRun bool, out io.Writer) (int, error) {
	rows, err := store.ListClientPasswords(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, row := range rows {
		if row.Password == "" || credentials.IsEncrypted(row.Password) {
			continue
		}
		if dryRun {
			fmt.Fprintf(out, "would encrypt %s (id %d)\n", row.Name, row.ID)
			changed++
			continue
		}
		sealed, err := enc.Encrypt(row.Password)
		if err != nil {
			return changed, fmt.Errorf("failed to encrypt password for %s: %w", row.Name, err)
		}
		if err := store.UpdateClientPassword(ctx, row.ID, sealed); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
