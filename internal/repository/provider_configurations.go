package repository

import "context"

const providerConfigurationColumns = `id, organization_id, issuer_url, client_id, client_secret, scopes, auto_discovery, manual_endpoints, attribute_mapping, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProviderConfiguration(row rowScanner) (ProviderConfiguration, error) {
	var i ProviderConfiguration
	err := row.Scan(
		&i.ID,
		&i.OrganizationID,
		&i.IssuerURL,
		&i.ClientID,
		&i.ClientSecret,
		&i.Scopes,
		&i.AutoDiscovery,
		&i.ManualEndpoints,
		&i.AttributeMapping,
		&i.Enabled,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getProviderConfiguration = `SELECT ` + providerConfigurationColumns + ` FROM "provider_configurations"
WHERE "id" = ? LIMIT 1`

func (q *Queries) GetProviderConfiguration(ctx context.Context, id string) (ProviderConfiguration, error) {
	row := q.db.QueryRowContext(ctx, getProviderConfiguration, id)
	return scanProviderConfiguration(row)
}

const listEnabledProviderConfigurations = `SELECT ` + providerConfigurationColumns + ` FROM "provider_configurations"
WHERE "enabled" = 1 ORDER BY "created_at"`

func (q *Queries) ListEnabledProviderConfigurations(ctx context.Context) ([]ProviderConfiguration, error) {
	rows, err := q.db.QueryContext(ctx, listEnabledProviderConfigurations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ProviderConfiguration{}
	for rows.Next() {
		i, err := scanProviderConfiguration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertProviderConfiguration = `INSERT INTO "provider_configurations" (
    ` + providerConfigurationColumns + `
) VALUES (
    ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
)
ON CONFLICT ("id") DO UPDATE SET
    "organization_id" = excluded."organization_id",
    "issuer_url" = excluded."issuer_url",
    "client_id" = excluded."client_id",
    "client_secret" = excluded."client_secret",
    "scopes" = excluded."scopes",
    "auto_discovery" = excluded."auto_discovery",
    "manual_endpoints" = excluded."manual_endpoints",
    "attribute_mapping" = excluded."attribute_mapping",
    "enabled" = excluded."enabled",
    "updated_at" = excluded."updated_at"
RETURNING ` + providerConfigurationColumns

func (q *Queries) UpsertProviderConfiguration(ctx context.Context, arg ProviderConfiguration) (ProviderConfiguration, error) {
	row := q.db.QueryRowContext(ctx, upsertProviderConfiguration,
		arg.ID,
		arg.OrganizationID,
		arg.IssuerURL,
		arg.ClientID,
		arg.ClientSecret,
		arg.Scopes,
		arg.AutoDiscovery,
		arg.ManualEndpoints,
		arg.AttributeMapping,
		arg.Enabled,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return scanProviderConfiguration(row)
}
