package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contact-extractor/internal/db"
)

const seedDoc = `
accounts:
  - email: Ops@Acme.com
    password: s3cret
    clients:
      - name: Acme Sales
        workspace_id: 100
      - name: Acme Support
        workspace_id: 101
  - email: team@globex.com
    password: hunter2
    clients:
      - name: Globex
        workspace_id: 200
`

type fakeSeedStore struct {
	clients  []db.SeedClient
	existing map[int64]bool
}

func (f *fakeSeedStore) UpsertClient(_ context.Context, c db.SeedClient) (bool, error) {
	f.clients = append(f.clients, c)
	return !f.existing[c.WorkspaceID], nil
}

func TestParseSeedFile(t *testing.T) {
	doc, err := parseSeedFile(strings.NewReader(seedDoc))
	require.NoError(t, err)
	require.Len(t, doc.Accounts, 2)
	assert.Len(t, doc.Accounts[0].Clients, 2)
	assert.Equal(t, int64(200), doc.Accounts[1].Clients[0].WorkspaceID)
}

func TestParseSeedFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty"},
		{"no accounts", "accounts: []", "Accounts"},
		{"bad email", "accounts:\n  - email: nope\n    password: x\n    clients:\n      - name: a\n        workspace_id: 1\n", "Email"},
		{"no workspace", "accounts:\n  - email: a@b.co\n    password: x\n    clients:\n      - name: a\n", "WorkspaceID"},
		{"unknown field", "accounts:\n  - email: a@b.co\n    pasword: x\n", "pasword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSeedFile(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSeedRoster(t *testing.T) {
	doc, err := parseSeedFile(strings.NewReader(seedDoc))
	require.NoError(t, err)
	cipher := testCipher(t)
	store := &fakeSeedStore{existing: map[int64]bool{101: true}}

	inserted, updated, err := seedRoster(context.Background(), store, cipher, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 1, updated)

	require.Len(t, store.clients, 3)
	assert.Equal(t, "ops@acme.com", store.clients[0].Email)
	assert.Equal(t, store.clients[0].EncryptedPassword, store.clients[1].EncryptedPassword, "one account, one ciphertext")

	plain, err := cipher.Decrypt(store.clients[2].EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}
