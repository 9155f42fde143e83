package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/contact-extractor/internal/credentials"
	"github.com/jonathan/contact-extractor/internal/db"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Upsert Reply.io accounts and workspaces into the roster",
	Long: `Reads a YAML file of accounts, each with a login and one or more workspaces, and
upserts one roster row per workspace. Plaintext passwords are encrypted with CREDENTIALS_KEY.

  accounts:
    - email: ops@acme.com
      password: s3cret
      clients:
        - name: Acme Sales
          workspace_id: 381920`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// seedFile is the document read by the seed command.
type seedFile struct {
	Accounts []seedAccount `yaml:"accounts" validate:"required,min=1,dive"`
}

type seedAccount struct {
	Email    string       `yaml:"email" validate:"required,email"`
	Password string       `yaml:"password" validate:"required"`
	Clients  []seedClient `yaml:"clients" validate:"required,min=1,dive"`
}

type seedClient struct {
	Name        string `yaml:"name" validate:"required"`
	WorkspaceID int64  `yaml:"workspace_id" validate:"required,gt=0"`
}

// seedStore is the roster access the seed command needs.
type seedStore interface {
	UpsertClient(ctx context.Context, c db.SeedClient) (bool, error)
}

func runSeed(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	doc, err := parseSeedFile(f)
	if err != nil {
		return err
	}

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

	inserted, updated, err := seedRoster(cmd.Context(), database, cipher, doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d clients inserted, %d updated\n", inserted, updated)
	return nil
}

// parseSeedFile decodes and validates a seed document.
func parseSeedFile(r io.Reader) (*seedFile, error) {
	var doc seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("seed file is empty")
		}
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := validator.New().Struct(&doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid seed file: %s", strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	return &doc, nil
}

// seedRoster upserts every workspace of doc. Each account password is encrypted once and
// shared by its workspaces.
func seedRoster(ctx context.Context, store seedStore, enc encrypter, doc *seedFile) (inserted, updated int, err error) {
	for _, acct := range doc.Accounts {
		password := acct.Password
		if !credentials.IsEncrypted(password) {
			if password, err = enc.Encrypt(password); err != nil {
				return inserted, updated, fmt.Errorf("failed to encrypt password for %s: %w", acct.Email, err)
			}
		}
		for _, c := range acct.Clients {
			created, err := store.UpsertClient(ctx, db.SeedClient{
				Name:              c.Name,
				Email:             strings.ToLower(strings.TrimSpace(acct.Email)),
				EncryptedPassword: password,
				WorkspaceID:       c.WorkspaceID,
			})
			if err != nil {
				return inserted, updated, err
			}
			if created {
				inserted++
			} else {
				updated++
			}
		}
	}
	return inserted, updated, nil
}
