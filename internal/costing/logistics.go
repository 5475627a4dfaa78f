package costing

import (
	"fmt"
	"strings"
)

// LogisticsInput prices packaging and transport per unit shipped. When
// PerUnitCost is absent it is resolved from the packaging and transport
// parameters by a RateResolver.
type LogisticsInput struct {
	PerUnitCost   *float64 `json:"per_unit_cost,omitempty" validate:"omitempty,costrange=0:1000000"`
	Quantity      *float64 `json:"quantity,omitempty" validate:"omitempty,costrange=0.0001:1000000"`
	PackagingType string   `json:"packaging_type,omitempty"`
	TransportMode string   `json:"transport_mode,omitempty"`
	DistanceKm    float64  `json:"distance_km" validate:"costrange=0:100000"`
	WeightKg      float64  `json:"weight_kg" validate:"costrange=0:100000"`
}

func (LogisticsInput) Category() Category { return CategoryLogistics }

// LogisticsBreakdown is the costed result of a LogisticsInput.
type LogisticsBreakdown struct {
	PerUnitCost   float64 `json:"per_unit_cost"`
	Quantity      float64 `json:"quantity"`
	TotalCost     float64 `json:"total_cost"`
	Resolved      bool    `json:"resolved"`
	PackagingType string  `json:"packaging_type,omitempty"`
	TransportMode string  `json:"transport_mode,omitempty"`
}

func (LogisticsBreakdown) Category() Category { return CategoryLogistics }

func (b LogisticsBreakdown) Total() float64 { return b.TotalCost }

// RateResolver turns packaging/transport parameters into a per-unit cost.
// The pricing policy lives outside the engine.
type RateResolver interface {
	ResolvePerUnit(in LogisticsInput) (float64, error)
}

// RateTable is a table-driven RateResolver: a flat cost per packaging type
// plus a per kg·km rate per transport mode.
type RateTable struct {
	Packaging map[string]float64
	Transport map[string]float64
}

// ResolvePerUnit implements RateResolver.
func (t RateTable) ResolvePerUnit(in LogisticsInput) (float64, error) {
	var flat, rate float64
	if in.PackagingType != "" {
		v, ok := t.Packaging[strings.ToLower(in.PackagingType)]
		if !ok {
			return 0, unresolved("unknown packaging_type %q", in.PackagingType)
		}
		flat = v
	}
	if in.TransportMode != "" {
		v, ok := t.Transport[strings.ToLower(in.TransportMode)]
		if !ok {
			return 0, unresolved("unknown transport_mode %q", in.TransportMode)
		}
		rate = v
	}
	if in.PackagingType == "" && in.TransportMode == "" {
		return 0, unresolved("per_unit_cost or packaging_type/transport_mode is required")
	}
	return flat + rate*in.DistanceKm*in.WeightKg, nil
}

func unresolved(format string, args ...any) error {
	return &DomainError{Kind: KindUnresolvedRate, Message: fmt.Sprintf(format, args...)}
}

// CalculateLogistics costs packaging and transport for the shipped quantity.
// rates may be nil when the input always carries PerUnitCost.
func CalculateLogistics(in LogisticsInput, rates RateResolver) (LogisticsBreakdown, error) {
	if err := checkRanges(in); err != nil {
		return LogisticsBreakdown{}, err
	}

	resolved := false
	var perUnit float64
	switch {
	case in.PerUnitCost != nil:
		perUnit = *in.PerUnitCost
	case rates != nil:
		v, err := rates.ResolvePerUnit(in)
		if err != nil {
			return LogisticsBreakdown{}, err
		}
		if v < 0 || v > 1000000 {
			return LogisticsBreakdown{}, unresolved("resolved per_unit_cost %s is outside 0..1000000", formatBound(v))
		}
		perUnit = v
		resolved = true
	default:
		return LogisticsBreakdown{}, unresolved("per_unit_cost is required when no rate table is configured")
	}

	qty := valueOr(in.Quantity, 1)
	total := perUnit * qty
	if err := requireFinite(CategoryLogistics, perUnit, total); err != nil {
		return LogisticsBreakdown{}, err
	}

	return LogisticsBreakdown{
		PerUnitCost:   RoundMoney(perUnit),
		Quantity:      roundQuantity(qty),
		TotalCost:     RoundMoney(total),
		Resolved:      resolved,
		PackagingType: in.PackagingType,
		TransportMode: in.TransportMode,
	}, nil
}
