// Package roster models the client workspaces to extract and groups them by the
// login account that owns them.
package roster

import (
	"strings"
)

// StatusArchived marks a client that must not be extracted.
const StatusArchived = "Archived"

// Client is one workspace to extract. Records are read-only for the pipeline.
type Client struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	EncryptedPassword string `json:"-"`
	WorkspaceID       int64  `json:"workspace_id"`
	Status            string `json:"status,omitempty"`
}

// Slug is a filesystem-safe form of the client name.
func (c Client) Slug() string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(c.Name), " ", "_"))
}

// Eligible reports whether the client has everything needed to enter extraction.
func (c Client) Eligible() bool {
	return c.Email != "" && c.EncryptedPassword != "" && c.WorkspaceID != 0 && c.Status != StatusArchived
}

// AccountGroup is the set of workspaces served by one login session.
type AccountGroup struct {
	Email   string
	Clients []Client
}

// GroupByAccount partitions clients by login email, compared case-insensitively. A group
// carries the email as first seen. Groups are ordered by the first
// appearance of their email and clients keep their roster order inside a group, so two
// runs over the same roster log in the same order.
func GroupByAccount(clients []Client) []AccountGroup {
	index := make(map[string]int)
	var groups []AccountGroup
	for _, c := range clients {
		key := strings.ToLower(strings.TrimSpace(c.Email))
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, AccountGroup{Email: c.Email})
		}
		groups[i].Clients = append(groups[i].Clients, c)
	}
	return groups
}

// Filter drops clients that are not Eligible. Stores that already filter in SQL still
// pass their rows through it.
func Filter(clients []Client) []Client {
	out := make([]Client, 0, len(clients))
	for _, c := range clients {
		if c.Eligible() {
			out = append(out, c)
		}
	}
	return out
}
