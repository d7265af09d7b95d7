package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/civic-park/revenue-core/internal/database"
)

// RuleSource loads the surge rules applicable to a lot.
type RuleSource interface {
	ListActiveForLot(ctx context.Context, lotID string) ([]*database.SurgeRule, error)
}

// LotSource loads lot state for quoting.
type LotSource interface {
	GetByID(ctx context.Context, id string) (*database.ParkingLot, error)
}

// Service resolves quotes against live lot state, caching rule sets in
// Redis so the quote path does not hit Postgres per request.
type Service struct {
	lots     LotSource
	rules    RuleSource
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewService creates a pricing service. The Redis client may be nil, in
// which case every quote loads rules from the repository.
func NewService(lots LotSource, rules RuleSource, cache *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		lots:     lots,
		rules:    rules,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

const ruleCachePrefix = "surge_rules:"

func ruleCacheKey(lotID string) string {
	return ruleCachePrefix + lotID
}

// QuoteLot resolves the current price for a lot.
func (s *Service) QuoteLot(ctx context.Context, lotID string) (*Quote, error) {
	lot, err := s.lots.GetByID(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lot: %w", err)
	}

	rules, err := s.loadRules(ctx, lotID)
	if err != nil {
		return nil, err
	}

	quote := Resolve(QuoteInput{
		LotID:      lot.ID,
		Capacity:   lot.Capacity,
		Occupancy:  lot.CurrentOccupancy,
		HourlyRate: lot.HourlyRate,
		Rules:      rules,
	})
	return &quote, nil
}

func (s *Service) loadRules(ctx context.Context, lotID string) ([]*database.SurgeRule, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, ruleCacheKey(lotID)).Bytes()
		if err == nil {
			var rules []*database.SurgeRule
			if err := json.Unmarshal(data, &rules); err == nil {
				return rules, nil
			}
			s.logger.Warn("Failed to decode cached surge rules", "lot_id", lotID, "error", err)
		} else if err != redis.Nil {
			s.logger.Warn("Failed to read surge rule cache", "lot_id", lotID, "error", err)
		}
	}

	rules, err := s.rules.ListActiveForLot(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load surge rules: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(rules); err == nil {
			if err := s.cache.Set(ctx, ruleCacheKey(lotID), data, s.cacheTTL).Err(); err != nil {
				s.logger.Warn("Failed to cache surge rules", "lot_id", lotID, "error", err)
			}
		}
	}

	return rules, nil
}

// InvalidateRules drops the cached rule set for a lot after a rule change.
func (s *Service) InvalidateRules(ctx context.Context, lotID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, ruleCacheKey(lotID)).Err(); err != nil {
		s.logger.Warn("Failed to invalidate surge rule cache", "lot_id", lotID, "error", err)
	}
}

// InvalidateAllRules drops every cached rule set. A global rule feeds
// every lot's set, so changing one has to clear them all.
func (s *Service) InvalidateAllRules(ctx context.Context) {
	if s.cache == nil {
		return
	}
	iter := s.cache.Scan(ctx, 0, ruleCachePrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.cache.Del(ctx, iter.Val()).Err(); err != nil {
			s.logger.Warn("Failed to invalidate surge rule cache", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("Failed to scan surge rule cache", "error", err)
	}
}
