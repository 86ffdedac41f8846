package model

import (
	"slices"
	"time"
)

// Client represents an API credential authorized for one or more tenants.
// SecretHash is populated only inside the store and is never serialized.
type Client struct {
	ClientID       string    `json:"client_id"`
	SecretHash     string    `json:"-"`
	Name           string    `json:"name"`
	AllowedTenants []string  `json:"allowed_tenants"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CanAccess reports whether tenantID is among the client's allowed tenants.
func (c *Client) CanAccess(tenantID string) bool {
	return slices.Contains(c.AllowedTenants, tenantID)
}

// Redacted returns a copy without the secret hash.
func (c *Client) Redacted() *Client {
	out := *c
	out.SecretHash = ""
	out.AllowedTenants = slices.Clone(c.AllowedTenants)
	return &out
}

// ClientCreate carries the fields accepted when registering a client.
type ClientCreate struct {
	ClientID       string   `json:"client_id"`
	Secret         string   `json:"client_secret"`
	Name           string   `json:"name"`
	AllowedTenants []string `json:"allowed_tenants"`
}

// ClientUpdate is a partial update; nil fields are left unchanged.
type ClientUpdate struct {
	Name           *string   `json:"name,omitempty"`
	Secret         *string   `json:"client_secret,omitempty"`
	AllowedTenants *[]string `json:"allowed_tenants,omitempty"`
}
