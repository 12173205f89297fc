package usage

import (
	"math"
	"time"
)

// DefaultCacheTTL applies to features that have never been recorded
const DefaultCacheTTL = 5 * time.Minute

// WeightPolicy turns access history into a weight and a cache TTL.
//
// A score decays with half-life HalfLife between accesses and grows by
// Increment on each recorded event. The TTL grows linearly from MinTTL to
// MaxTTL as the score approaches Saturation.
type WeightPolicy struct {
	HalfLife   time.Duration `yaml:"half_life"`
	Increment  float64       `yaml:"increment"`
	MinTTL     time.Duration `yaml:"min_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
	Saturation float64       `yaml:"saturation"`
}

// DefaultWeightPolicy returns the standard policy
func DefaultWeightPolicy() WeightPolicy {
	return WeightPolicy{
		HalfLife:   24 * time.Hour,
		Increment:  1,
		MinTTL:     DefaultCacheTTL,
		MaxTTL:     30 * time.Minute,
		Saturation: 20,
	}
}

// withDefaults fills unset fields from DefaultWeightPolicy
func (p WeightPolicy) withDefaults() WeightPolicy {
	def := DefaultWeightPolicy()
	if p.HalfLife <= 0 {
		p.HalfLife = def.HalfLife
	}
	if p.Increment <= 0 {
		p.Increment = def.Increment
	}
	if p.MinTTL <= 0 {
		p.MinTTL = def.MinTTL
	}
	if p.MaxTTL < p.MinTTL {
		p.MaxTTL = p.MinTTL
	}
	if p.Saturation <= 0 {
		p.Saturation = def.Saturation
	}
	return p
}

// Decay returns score after elapsed time without accesses
func (p WeightPolicy) Decay(score float64, elapsed time.Duration) float64 {
	if elapsed <= 0 || score <= 0 {
		return score
	}
	return score * math.Exp2(-float64(elapsed)/float64(p.HalfLife))
}

// TTL maps a score to a cache lifetime, rounded to the second
func (p WeightPolicy) TTL(score float64) time.Duration {
	frac := score / p.Saturation
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	span := float64(p.MaxTTL - p.MinTTL)
	return (p.MinTTL + time.Duration(frac*span)).Round(time.Second)
}
