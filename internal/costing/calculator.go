package costing

import "fmt"

// Calculator dispatches an Input to its category engine. The zero value is
// usable; Rates is only consulted for logistics inputs without a per-unit cost.
type Calculator struct {
	Rates RateResolver
}

// Calculate runs the engine for in's category. On error the returned
// Breakdown is nil.
func (c Calculator) Calculate(in Input) (Breakdown, error) {
	if in == nil {
		return nil, fmt.Errorf("cost input is nil")
	}
	var (
		out Breakdown
		err error
	)
	switch v := deref(in).(type) {
	case RawMaterialInput:
		out, err = CalculateRawMaterial(v)
	case ProcessInput:
		out, err = CalculateProcess(v)
	case ChildPartInput:
		out, err = CalculateChildPart(v)
	case ProcuredPartInput:
		out, err = CalculateProcuredPart(v)
	case LogisticsInput:
		out, err = CalculateLogistics(v, c.Rates)
	default:
		return nil, fmt.Errorf("unsupported cost input %T", in)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
