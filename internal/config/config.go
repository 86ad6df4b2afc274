package config

// Version information, set at build time

var Version = "development"
var CommitHash = "development"
var BuildTimestamp = "0000-00-00T00:00:00Z"

// Env and flag naming

var DefaultNamePrefix = "TINYTRUST_"

// Token lifetimes, in seconds

const AccessTokenExpiration = 3600
const RefreshTokenExpiration = 30 * 24 * 3600
const AuthorizationCodeExpiration = 600

// Main app config

type Config struct {
	DatabasePath   string                    `description:"The path to the database file." yaml:"databasePath"`
	TrustedProxies string                    `description:"Comma separated list of trusted proxies." yaml:"trustedProxies"`
	Server         ServerConfig              `description:"Server configuration." yaml:"server"`
	Auth           AuthConfig                `description:"Token issuance configuration." yaml:"auth"`
	OIDC           OIDCConfig                `description:"Identity provider client configuration." yaml:"oidc"`
	Retry          RetryConfig               `description:"Retry configuration for identity provider calls." yaml:"retry"`
	RateLimit      RateLimitConfig           `description:"Rate limiting configuration." yaml:"rateLimit"`
	Providers      map[string]ProviderConfig `description:"SSO provider configurations to sync into the database." yaml:"providers"`
	Log            LogConfig                 `description:"Logging configuration." yaml:"log"`
	Experimental   ExperimentalConfig        `description:"Experimental features, use with caution." yaml:"experimental"`
}

type ServerConfig struct {
	Port       int    `description:"The port on which the server listens." yaml:"port"`
	Address    string `description:"The address on which the server listens." yaml:"address"`
	SocketPath string `description:"The path to the Unix socket." yaml:"socketPath"`
}

type AuthConfig struct {
	TokenHashSecret         string `description:"Secret used to derive the token hashing key." yaml:"tokenHashSecret"`
	TokenHashSecretFile     string `description:"Path to the file containing the token hashing secret." yaml:"tokenHashSecretFile"`
	AccessTokenExpiry       int    `description:"Access token lifetime in seconds." yaml:"accessTokenExpiry"`
	RefreshTokenExpiry      int    `description:"Refresh token lifetime in seconds." yaml:"refreshTokenExpiry"`
	AuthorizationCodeExpiry int    `description:"Authorization code lifetime in seconds." yaml:"authorizationCodeExpiry"`
	CleanupInterval         int    `description:"Interval in seconds between expired record cleanups." yaml:"cleanupInterval"`
}

type OIDCConfig struct {
	HTTPTimeout           int     `description:"Timeout in seconds for outbound identity provider requests." yaml:"httpTimeout"`
	DiscoveryCacheTTL     int     `description:"Discovery document cache lifetime in seconds." yaml:"discoveryCacheTTL"`
	JWKSCacheTTL          int     `description:"JWKS cache lifetime in seconds." yaml:"jwksCacheTTL"`
	JWKSFailureCooldown   int     `description:"Seconds to wait before refetching a JWKS after a failure." yaml:"jwksFailureCooldown"`
	CacheMaxSize          int     `description:"Maximum number of entries per cache." yaml:"cacheMaxSize"`
	ClockTolerance        int     `description:"Allowed clock skew in seconds when validating ID tokens." yaml:"clockTolerance"`
	PoolIdleTimeout       int     `description:"Seconds after which an unused origin is dropped from the connection pool." yaml:"poolIdleTimeout"`
	PoolRequestsPerSecond float64 `description:"Maximum outbound requests per second per origin." yaml:"poolRequestsPerSecond"`
}

type RetryConfig struct {
	MaxAttempts   int     `description:"Maximum number of attempts." yaml:"maxAttempts"`
	InitialDelay  int     `description:"Initial delay in milliseconds." yaml:"initialDelay"`
	MaxDelay      int     `description:"Maximum delay in milliseconds." yaml:"maxDelay"`
	BackoffFactor float64 `description:"Multiplier applied to the delay after each attempt." yaml:"backoffFactor"`
}

type RateLimitConfig struct {
	Backend            string `description:"Rate limit store, sqlite or redis." yaml:"backend"`
	RedisURL           string `description:"Redis URL used by the redis backend." yaml:"redisURL"`
	FailurePolicy      string `description:"Behaviour when the store fails, open or closed." yaml:"failurePolicy"`
	Window             int    `description:"Window length in seconds." yaml:"window"`
	AuthorizationCodes int    `description:"Authorization codes per window." yaml:"authorizationCodes"`
	TokenExchanges     int    `description:"Token exchanges per window." yaml:"tokenExchanges"`
	Connections        int    `description:"Long lived connections per window." yaml:"connections"`
	ToolInvocations    int    `description:"Tool invocations per window." yaml:"toolInvocations"`
}

type ProviderConfig struct {
	OrganizationID   string               `description:"Organization owning the provider." yaml:"organizationId"`
	IssuerURL        string               `description:"Issuer URL of the identity provider." yaml:"issuerUrl"`
	ClientID         string               `description:"OAuth client ID." yaml:"clientId"`
	ClientSecret     string               `description:"OAuth client secret." yaml:"clientSecret"`
	ClientSecretFile string               `description:"Path to the file containing the OAuth client secret." yaml:"clientSecretFile"`
	Scopes           []string             `description:"Requested scopes." yaml:"scopes"`
	AutoDiscovery    bool                 `description:"Use OpenID Connect discovery." yaml:"autoDiscovery"`
	Endpoints        ProviderEndpoints    `description:"Manual endpoints, used when discovery is disabled." yaml:"endpoints"`
	AttributeMapping ProviderAttributeMap `description:"Claim names used for user attributes." yaml:"attributeMapping"`
	Disabled         bool                 `description:"Disable the provider." yaml:"disabled"`
}

type ProviderEndpoints struct {
	AuthorizationURL string `description:"Authorization endpoint." yaml:"authorizationUrl"`
	TokenURL         string `description:"Token endpoint." yaml:"tokenUrl"`
	UserinfoURL      string `description:"UserInfo endpoint." yaml:"userinfoUrl"`
	RevocationURL    string `description:"Revocation endpoint." yaml:"revocationUrl"`
	JWKSURL          string `description:"JWKS endpoint." yaml:"jwksUrl"`
}

type ProviderAttributeMap struct {
	Email    string `description:"Claim holding the email." yaml:"email"`
	Name     string `description:"Claim holding the display name." yaml:"name"`
	Username string `description:"Claim holding the username." yaml:"username"`
}

type LogConfig struct {
	Level   string     `description:"Log level (trace, debug, info, warn, error)." yaml:"level"`
	Json    bool       `description:"Enable JSON formatted logs." yaml:"json"`
	Streams LogStreams `description:"Configuration for specific log streams." yaml:"streams"`
}

type LogStreams struct {
	HTTP  LogStreamConfig `description:"HTTP request logging." yaml:"http"`
	App   LogStreamConfig `description:"Application logging." yaml:"app"`
	Audit LogStreamConfig `description:"Audit logging." yaml:"audit"`
}

type LogStreamConfig struct {
	Enabled bool   `description:"Enable this log stream." yaml:"enabled"`
	Level   string `description:"Log level for this stream. Use global if empty." yaml:"level"`
}

type ExperimentalConfig struct {
	ConfigFile string `description:"Path to config file." yaml:"-"`
}

// Rate limit key types

const (
	RateLimitKeyUser  = "user"
	RateLimitKeyIP    = "ip"
	RateLimitKeyToken = "token"
)

// Rate limit failure policies

const (
	FailOpen   = "open"
	FailClosed = "closed"
)
