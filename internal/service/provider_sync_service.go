package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"
)

var DefaultProviderScopes = []string{"openid", "profile", "email"}

type ProviderSyncServiceConfig struct {
	Now func() time.Time
}

// ProviderSyncService copies provider configurations from the config file into the database.
type ProviderSyncService struct {
	config    ProviderSyncServiceConfig
	queries   *repository.Queries
	discovery *DiscoveryService
}

func NewProviderSyncService(config ProviderSyncServiceConfig, queries *repository.Queries, discovery *DiscoveryService) *ProviderSyncService {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ProviderSyncService{
		config:    config,
		queries:   queries,
		discovery: discovery,
	}
}

// SyncProvidersFromConfig upserts every usable provider and returns how many were written.
// Providers that cannot be used are logged and skipped.
func (ps *ProviderSyncService) SyncProvidersFromConfig(ctx context.Context, providers map[string]config.ProviderConfig) (int, error) {
	synced := 0

	for id, provider := range providers {
		record, ok := ps.buildRecord(id, provider)

		if !ok {
			continue
		}

		saved, err := ps.queries.UpsertProviderConfiguration(ctx, record)

		if err != nil {
			tlog.App.Error().Err(err).Str("provider", id).Msg("Failed to save provider configuration")
			continue
		}

		// Endpoints may have changed with the configuration
		if ps.discovery != nil {
			ps.discovery.InvalidateIssuer(saved.IssuerURL)
		}

		tlog.App.Info().Str("provider", id).Str("issuer", saved.IssuerURL).Bool("enabled", saved.Enabled).Msg("Synced provider configuration from config")
		synced++
	}

	return synced, nil
}

func (ps *ProviderSyncService) buildRecord(id string, provider config.ProviderConfig) (repository.ProviderConfiguration, bool) {
	if provider.OrganizationID == "" {
		tlog.App.Warn().Str("provider", id).Msg("Provider has no organization, skipping")
		return repository.ProviderConfiguration{}, false
	}

	if provider.ClientID == "" {
		tlog.App.Warn().Str("provider", id).Msg("Provider has no client ID, skipping")
		return repository.ProviderConfiguration{}, false
	}

	issuer, err := utils.NormalizeIssuerURL(provider.IssuerURL)

	if err != nil {
		tlog.App.Warn().Err(err).Str("provider", id).Msg("Provider has an invalid issuer URL, skipping")
		return repository.ProviderConfiguration{}, false
	}

	scopes := provider.Scopes
	if len(scopes) == 0 {
		scopes = DefaultProviderScopes
	}

	scopesJSON, err := json.Marshal(scopes)

	if err != nil {
		tlog.App.Error().Err(err).Str("provider", id).Msg("Failed to marshal scopes")
		return repository.ProviderConfiguration{}, false
	}

	manual := ManualEndpoints{
		AuthorizationURL: provider.Endpoints.AuthorizationURL,
		TokenURL:         provider.Endpoints.TokenURL,
		UserinfoURL:      provider.Endpoints.UserinfoURL,
		RevocationURL:    provider.Endpoints.RevocationURL,
		JWKSURL:          provider.Endpoints.JWKSURL,
	}

	hasManual := manual != ManualEndpoints{}
	manualJSON := ""

	if hasManual {
		data, err := json.Marshal(manual)
		if err != nil {
			tlog.App.Error().Err(err).Str("provider", id).Msg("Failed to marshal manual endpoints")
			return repository.ProviderConfiguration{}, false
		}
		manualJSON = string(data)
	}

	mappingJSON := ""

	if provider.AttributeMapping != (config.ProviderAttributeMap{}) {
		data, err := json.Marshal(AttributeMapping{
			Email:    provider.AttributeMapping.Email,
			Name:     provider.AttributeMapping.Name,
			Username: provider.AttributeMapping.Username,
		})
		if err != nil {
			tlog.App.Error().Err(err).Str("provider", id).Msg("Failed to marshal attribute mapping")
			return repository.ProviderConfiguration{}, false
		}
		mappingJSON = string(data)
	}

	now := ps.config.Now().Unix()

	return repository.ProviderConfiguration{
		ID:               id,
		OrganizationID:   provider.OrganizationID,
		IssuerURL:        issuer,
		ClientID:         provider.ClientID,
		ClientSecret:     utils.GetSecret(provider.ClientSecret, provider.ClientSecretFile),
		Scopes:           string(scopesJSON),
		AutoDiscovery:    provider.AutoDiscovery || !hasManual,
		ManualEndpoints:  manualJSON,
		AttributeMapping: mappingJSON,
		Enabled:          !provider.Disabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, true
}

// ParseScopes reads the stored scope list, accepting a JSON array or a space separated string.
func ParseScopes(stored string) []string {
	stored = strings.TrimSpace(stored)

	if stored == "" {
		return DefaultProviderScopes
	}

	var scopes []string

	if err := json.Unmarshal([]byte(stored), &scopes); err == nil {
		return scopes
	}

	return strings.Fields(stored)
}
