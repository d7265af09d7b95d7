package fraud

import "github.com/civic-park/revenue-core/internal/database"

// SeverityPolicy decides how serious an escalated case is.
type SeverityPolicy interface {
	Severity(lotID string) string
}

// ConfigPolicy assigns severities from static config: per-lot overrides
// with a fallback default.
type ConfigPolicy struct {
	Default string
	PerLot  map[string]string
}

// NewConfigPolicy builds a policy, defaulting to CRITICAL when no
// default is configured.
func NewConfigPolicy(defaultSeverity string, perLot map[string]string) *ConfigPolicy {
	if defaultSeverity == "" {
		defaultSeverity = database.SeverityCritical
	}
	return &ConfigPolicy{
		Default: defaultSeverity,
		PerLot:  perLot,
	}
}

func (p *ConfigPolicy) Severity(lotID string) string {
	if s, ok := p.PerLot[lotID]; ok && s != "" {
		return s
	}
	return p.Default
}
