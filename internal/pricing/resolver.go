package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/civic-park/revenue-core/internal/database"
)

// ErrInvalidRuleRange rejects malformed surge bands at intake time.
var ErrInvalidRuleRange = errors.New("invalid surge rule range")

// QuoteInput carries everything a surge quote depends on.
type QuoteInput struct {
	LotID      string
	Capacity   int
	Occupancy  int
	HourlyRate int64
	Rules      []*database.SurgeRule
}

// Quote is the resolved price for a lot at a point in time.
type Quote struct {
	LotID            string  `json:"lot_id"`
	OccupancyPercent float64 `json:"occupancy_percent"`
	BaseRate         int64   `json:"base_rate"`
	Multiplier       float64 `json:"multiplier"`
	Price            int64   `json:"price"`
	IsSurge          bool    `json:"is_surge"`
	RuleID           string  `json:"rule_id,omitempty"`
}

// Resolve computes the effective price for a lot. Bands are half-open
// [min, max); among matching rules a lot-specific rule beats a global
// one, then the highest multiplier wins. No match means base rate.
// A lot with zero capacity quotes at 0% occupancy.
func Resolve(in QuoteInput) Quote {
	var percent float64
	if in.Capacity > 0 {
		percent = float64(in.Occupancy) / float64(in.Capacity) * 100
	}

	quote := Quote{
		LotID:            in.LotID,
		OccupancyPercent: percent,
		BaseRate:         in.HourlyRate,
		Multiplier:       1.0,
		Price:            in.HourlyRate,
	}

	var best *database.SurgeRule
	for _, rule := range in.Rules {
		if !rule.Active {
			continue
		}
		if rule.LotID != nil && *rule.LotID != in.LotID {
			continue
		}
		if percent < rule.MinOccupancyPercent || percent >= rule.MaxOccupancyPercent {
			continue
		}
		if best == nil || beats(rule, best) {
			best = rule
		}
	}

	if best != nil {
		quote.Multiplier = best.Multiplier
		quote.Price = int64(math.Round(float64(in.HourlyRate) * best.Multiplier))
		quote.IsSurge = best.Multiplier > 1
		quote.RuleID = best.ID
	}

	return quote
}

// beats reports whether a wins over b: lot-specific over global,
// then higher multiplier.
func beats(a, b *database.SurgeRule) bool {
	aSpecific := a.LotID != nil
	bSpecific := b.LotID != nil
	if aSpecific != bSpecific {
		return aSpecific
	}
	return a.Multiplier > b.Multiplier
}

// ValidateRule checks a surge rule before it is accepted.
func ValidateRule(rule *database.SurgeRule) error {
	if rule.MinOccupancyPercent < 0 || rule.MinOccupancyPercent > 100 {
		return fmt.Errorf("min occupancy %.1f out of [0,100]: %w", rule.MinOccupancyPercent, ErrInvalidRuleRange)
	}
	if rule.MaxOccupancyPercent < 0 || rule.MaxOccupancyPercent > 100 {
		return fmt.Errorf("max occupancy %.1f out of [0,100]: %w", rule.MaxOccupancyPercent, ErrInvalidRuleRange)
	}
	if rule.MinOccupancyPercent >= rule.MaxOccupancyPercent {
		return fmt.Errorf("min %.1f must be below max %.1f: %w", rule.MinOccupancyPercent, rule.MaxOccupancyPercent, ErrInvalidRuleRange)
	}
	if rule.Multiplier < 1 {
		return fmt.Errorf("multiplier %.2f below 1: %w", rule.Multiplier, ErrInvalidRuleRange)
	}
	return nil
}
