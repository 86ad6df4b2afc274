package repository

import "database/sql"

type ProviderConfiguration struct {
	ID               string
	OrganizationID   string
	IssuerURL        string
	ClientID         string
	ClientSecret     string
	Scopes           string
	AutoDiscovery    bool
	ManualEndpoints  string
	AttributeMapping string
	Enabled          bool
	CreatedAt        int64
	UpdatedAt        int64
}

type Authorization struct {
	ID             string
	UserID         string
	OrganizationID string
	ClientName     string
	IsActive       bool
	CreatedAt      int64
	UpdatedAt      int64
}

type AuthorizationCode struct {
	CodeHash        string
	AuthorizationID string
	ExpiresAt       int64
	UsedAt          sql.NullInt64
	CreatedAt       int64
}

type AccessToken struct {
	TokenHash       string
	AuthorizationID string
	ExpiresAt       int64
	CreatedAt       int64
}

type RefreshToken struct {
	TokenHash       string
	AuthorizationID string
	ExpiresAt       int64
	CreatedAt       int64
}

type RateLimitEntry struct {
	ID        string
	KeyType   string
	KeyValue  string
	CreatedAt int64
}
