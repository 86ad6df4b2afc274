package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/metrics"
	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RateLimitKey struct {
	Type  string
	Value string
}

type RateLimitRule struct {
	MaxRequests int
	Window      time.Duration
}

type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Limit     int       `json:"limit"`
}

// RateLimitWindow is the state of one key after a hit. Count excludes the hit itself.
type RateLimitWindow struct {
	Count   int
	Oldest  time.Time
	Allowed bool
}

// RateLimitStore keeps one entry per accepted request.
type RateLimitStore interface {
	// Hit drops entries older than the window, counts the rest and records a new
	// entry at now when the count is below the rule's maximum.
	Hit(ctx context.Context, key RateLimitKey, rule RateLimitRule, now time.Time) (RateLimitWindow, error)
	Cleanup(ctx context.Context, before time.Time) error
	Ping(ctx context.Context) error
}

// RateLimitFailurePolicy decides the outcome when the store is unavailable.
type RateLimitFailurePolicy func(rule RateLimitRule, now time.Time, err error) RateLimitResult

func FailOpenPolicy(rule RateLimitRule, now time.Time, _ error) RateLimitResult {
	return RateLimitResult{
		Allowed:   true,
		Remaining: rule.MaxRequests,
		ResetAt:   now.Add(rule.Window),
		Limit:     rule.MaxRequests,
	}
}

func FailClosedPolicy(rule RateLimitRule, now time.Time, _ error) RateLimitResult {
	return RateLimitResult{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   now.Add(rule.Window),
		Limit:     rule.MaxRequests,
	}
}

func FailurePolicyFromConfig(policy string) (RateLimitFailurePolicy, error) {
	switch policy {
	case "", config.FailOpen:
		return FailOpenPolicy, nil
	case config.FailClosed:
		return FailClosedPolicy, nil
	default:
		return nil, fmt.Errorf("unknown rate limit failure policy %q", policy)
	}
}

type RateLimitRules struct {
	AuthorizationCodes RateLimitRule
	TokenExchanges     RateLimitRule
	Connections        RateLimitRule
	ToolInvocations    RateLimitRule
}

var DefaultRateLimitRules = RateLimitRules{
	AuthorizationCodes: RateLimitRule{MaxRequests: 10, Window: time.Hour},
	TokenExchanges:     RateLimitRule{MaxRequests: 20, Window: time.Hour},
	Connections:        RateLimitRule{MaxRequests: 20, Window: time.Hour},
	ToolInvocations:    RateLimitRule{MaxRequests: 1000, Window: time.Hour},
}

// RateLimitRulesFromConfig overrides the defaults with every positive value of cfg.
func RateLimitRulesFromConfig(cfg config.RateLimitConfig) RateLimitRules {
	rules := DefaultRateLimitRules

	window := time.Hour
	if cfg.Window > 0 {
		window = time.Duration(cfg.Window) * time.Second
	}

	apply := func(rule *RateLimitRule, limit int) {
		rule.Window = window
		if limit > 0 {
			rule.MaxRequests = limit
		}
	}

	apply(&rules.AuthorizationCodes, cfg.AuthorizationCodes)
	apply(&rules.TokenExchanges, cfg.TokenExchanges)
	apply(&rules.Connections, cfg.Connections)
	apply(&rules.ToolInvocations, cfg.ToolInvocations)

	return rules
}

func (r RateLimitRules) Longest() time.Duration {
	longest := r.AuthorizationCodes.Window
	for _, w := range []time.Duration{r.TokenExchanges.Window, r.Connections.Window, r.ToolInvocations.Window} {
		longest = max(longest, w)
	}
	return longest
}

type RateLimitServiceConfig struct {
	FailurePolicy RateLimitFailurePolicy
	Now           func() time.Time
}

type RateLimitService struct {
	config  RateLimitServiceConfig
	store   RateLimitStore
	metrics *metrics.Metrics
}

func NewRateLimitService(config RateLimitServiceConfig, store RateLimitStore, metrics *metrics.Metrics) *RateLimitService {
	if config.FailurePolicy == nil {
		config.FailurePolicy = FailOpenPolicy
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RateLimitService{
		config:  config,
		store:   store,
		metrics: metrics,
	}
}

func (rl *RateLimitService) CheckRateLimit(ctx context.Context, key RateLimitKey, rule RateLimitRule) RateLimitResult {
	now := rl.config.Now()

	window, err := rl.store.Hit(ctx, key, rule, now)

	if err != nil {
		tlog.App.Error().Err(err).Str("key_type", key.Type).Msg("Rate limit store failed, applying failure policy")
		result := rl.config.FailurePolicy(rule, now, err)
		rl.metrics.ObserveRateLimit(key.Type, result.Allowed)
		return result
	}

	oldest := window.Oldest
	if oldest.IsZero() {
		oldest = now
	}

	result := RateLimitResult{
		Allowed: window.Allowed,
		ResetAt: oldest.Add(rule.Window),
		Limit:   rule.MaxRequests,
	}

	if window.Allowed {
		result.Remaining = max(rule.MaxRequests-window.Count-1, 0)
	} else {
		tlog.AuditRateLimited(key.Type, key.Value, rule.MaxRequests)
	}

	rl.metrics.ObserveRateLimit(key.Type, result.Allowed)

	return result
}

// Cleanup drops entries older than the longest window in use.
func (rl *RateLimitService) Cleanup(ctx context.Context, longestWindow time.Duration) error {
	return rl.store.Cleanup(ctx, rl.config.Now().Add(-longestWindow))
}

func (rl *RateLimitService) Ping(ctx context.Context) error {
	return rl.store.Ping(ctx)
}

// SQLiteRateLimitStore counts rows of rate_limit_entries. Each hit prunes,
// counts and records inside one transaction.
type SQLiteRateLimitStore struct {
	db      *sql.DB
	queries *repository.Queries
}

func NewSQLiteRateLimitStore(db *sql.DB, queries *repository.Queries) *SQLiteRateLimitStore {
	return &SQLiteRateLimitStore{
		db:      db,
		queries: queries,
	}
}

func (s *SQLiteRateLimitStore) Hit(ctx context.Context, key RateLimitKey, rule RateLimitRule, now time.Time) (RateLimitWindow, error) {
	tx, err := s.db.BeginTx(ctx, nil)

	if err != nil {
		return RateLimitWindow{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	window, err := s.hit(ctx, s.queries.WithTx(tx), key, rule, now)

	if err != nil {
		_ = tx.Rollback()
		return RateLimitWindow{}, err
	}

	if err := tx.Commit(); err != nil {
		return RateLimitWindow{}, fmt.Errorf("failed to commit rate limit entry: %w", err)
	}

	return window, nil
}

func (s *SQLiteRateLimitStore) hit(ctx context.Context, q *repository.Queries, key RateLimitKey, rule RateLimitRule, now time.Time) (RateLimitWindow, error) {
	params := repository.RateLimitKeyParams{
		KeyType:  key.Type,
		KeyValue: key.Value,
		Since:    now.Add(-rule.Window).UnixMilli(),
	}

	if err := q.DeleteRateLimitEntriesBefore(ctx, params); err != nil {
		return RateLimitWindow{}, fmt.Errorf("failed to prune rate limit entries: %w", err)
	}

	row, err := q.CountRateLimitEntries(ctx, params)

	if err != nil {
		return RateLimitWindow{}, fmt.Errorf("failed to count rate limit entries: %w", err)
	}

	window := RateLimitWindow{Count: int(row.Count)}

	if row.Oldest.Valid {
		window.Oldest = time.UnixMilli(row.Oldest.Int64)
	}

	if window.Count >= rule.MaxRequests {
		return window, nil
	}

	err = q.CreateRateLimitEntry(ctx, repository.RateLimitEntry{
		ID:        uuid.New().String(),
		KeyType:   key.Type,
		KeyValue:  key.Value,
		CreatedAt: now.UnixMilli(),
	})

	if err != nil {
		return RateLimitWindow{}, fmt.Errorf("failed to record rate limit entry: %w", err)
	}

	window.Allowed = true

	if window.Oldest.IsZero() {
		window.Oldest = now
	}

	return window, nil
}

func (s *SQLiteRateLimitStore) Cleanup(ctx context.Context, before time.Time) error {
	return s.queries.DeleteStaleRateLimitEntries(ctx, before.UnixMilli())
}

func (s *SQLiteRateLimitStore) Ping(ctx context.Context) error {
	return s.queries.Ping(ctx)
}

// RedisRateLimitStore keeps one sorted set per key, scored by request time in milliseconds.
type RedisRateLimitStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

const DefaultRedisKeyPrefix = "tinytrust:ratelimit:"

func NewRedisRateLimitStore(ctx context.Context, redisURL string) (*RedisRateLimitStore, error) {
	opts, err := redis.ParseURL(redisURL)

	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisRateLimitStoreWithClient(client, DefaultRedisKeyPrefix), nil
}

// NewRedisRateLimitStoreWithClient uses an existing client, tests pass one backed by miniredis.
func NewRedisRateLimitStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisRateLimitStore) key(key RateLimitKey) string {
	return s.keyPrefix + key.Type + ":" + key.Value
}

// Hit adds the request optimistically inside MULTI/EXEC and takes it back when
// the window was already full.
func (s *RedisRateLimitStore) Hit(ctx context.Context, key RateLimitKey, rule RateLimitRule, now time.Time) (RateLimitWindow, error) {
	redisKey := s.key(key)
	member := uuid.New().String()
	since := now.Add(-rule.Window).UnixMilli()

	var card *redis.IntCmd
	var first *redis.ZSliceCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(since, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		first = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, rule.Window)
		return nil
	})

	if err != nil {
		return RateLimitWindow{}, fmt.Errorf("failed to update rate limit window: %w", err)
	}

	window := RateLimitWindow{Count: int(card.Val()) - 1}

	if entries := first.Val(); len(entries) > 0 {
		window.Oldest = time.UnixMilli(int64(entries[0].Score))
	}

	if window.Count < rule.MaxRequests {
		window.Allowed = true
		return window, nil
	}

	if err := s.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return RateLimitWindow{}, fmt.Errorf("failed to roll back rate limit entry: %w", err)
	}

	return window, nil
}

// Cleanup is a no-op, keys expire with their window.
func (s *RedisRateLimitStore) Cleanup(_ context.Context, _ time.Time) error {
	return nil
}

func (s *RedisRateLimitStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRateLimitStore) Close() error {
	return s.client.Close()
}

var ErrUnknownRateLimitBackend = errors.New("unknown rate limit backend")
