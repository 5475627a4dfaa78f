package costing

import (
	"fmt"
	"strings"
)

// FieldViolation describes one input field outside its declared range.
type FieldViolation struct {
	Field   string  `json:"field"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Message string  `json:"message"`
}

// ValidationError carries every violated field of a rejected input. It is
// returned before any arithmetic runs.
type ValidationError struct {
	Violations []FieldViolation `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return "invalid cost input: " + strings.Join(msgs, "; ")
}

// Domain error kinds.
const (
	KindScrapSaturated    = "scrap_rate_saturated"
	KindDefectSaturated   = "defect_rate_saturated"
	KindZeroBatchSize     = "zero_batch_size"
	KindZeroPartsPerCycle = "zero_parts_per_cycle"
	KindUnresolvedRate    = "unresolved_rate"
	KindUnknownSourcing   = "unknown_make_buy"
	KindNonFinite         = "non_finite_result"
)

// DomainError reports an input for which the cost is mathematically undefined.
type DomainError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newViolation(field string, lo, hi float64) FieldViolation {
	return FieldViolation{
		Field:   field,
		Min:     lo,
		Max:     hi,
		Message: fmt.Sprintf("%s must be between %s and %s", field, formatBound(lo), formatBound(hi)),
	}
}

func formatBound(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}
