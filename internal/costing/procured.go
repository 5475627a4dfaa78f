package costing

// ProcuredPartInput describes a purchased catalogue part consumed as-is.
type ProcuredPartInput struct {
	UnitCost        float64  `json:"unit_cost" validate:"costrange=0:1000000"`
	Quantity        *float64 `json:"quantity,omitempty" validate:"omitempty,costrange=0.0001:1000000"`
	ScrapPercent    float64  `json:"scrap_percent" validate:"costrange=0:50"`
	OverheadPercent float64  `json:"overhead_percent" validate:"costrange=0:500"`
	MOQ             *float64 `json:"moq,omitempty" validate:"omitempty,costrange=1:1000000"`
	LeadTimeDays    float64  `json:"lead_time_days" validate:"costrange=0:365"`
}

func (ProcuredPartInput) Category() Category { return CategoryProcuredPart }

// ProcuredPartBreakdown is the costed result of a ProcuredPartInput.
type ProcuredPartBreakdown struct {
	Quantity          float64 `json:"quantity"`
	BaseCost          float64 `json:"base_cost"`
	ScrapCost         float64 `json:"scrap_cost"`
	OverheadCost      float64 `json:"overhead_cost"`
	TotalCost         float64 `json:"total_cost"`
	EffectiveUnitCost float64 `json:"effective_unit_cost"`
	MOQ               float64 `json:"moq"`
	MOQCost           float64 `json:"moq_cost"`
	LeadTimeDays      float64 `json:"lead_time_days"`

	BaseShare     float64 `json:"base_share"`
	ScrapShare    float64 `json:"scrap_share"`
	OverheadShare float64 `json:"overhead_share"`
}

func (ProcuredPartBreakdown) Category() Category { return CategoryProcuredPart }

func (b ProcuredPartBreakdown) Total() float64 { return b.TotalCost }

// CalculateProcuredPart costs a procured part: scrap is applied on the base,
// then overhead on base plus scrap.
func CalculateProcuredPart(in ProcuredPartInput) (ProcuredPartBreakdown, error) {
	if err := requireBelowFull(KindScrapSaturated, "scrap_percent", in.ScrapPercent); err != nil {
		return ProcuredPartBreakdown{}, err
	}
	if err := checkRanges(in); err != nil {
		return ProcuredPartBreakdown{}, err
	}

	qty := valueOr(in.Quantity, 1)
	moq := valueOr(in.MOQ, 1)

	base := in.UnitCost * qty
	scrap := base * fraction(in.ScrapPercent)
	overhead := (base + scrap) * fraction(in.OverheadPercent)
	total := base + scrap + overhead
	unit := total / qty
	moqCost := unit * max(qty, moq)

	if err := requireFinite(CategoryProcuredPart, base, scrap, overhead, total, unit, moqCost); err != nil {
		return ProcuredPartBreakdown{}, err
	}

	return ProcuredPartBreakdown{
		Quantity:          roundQuantity(qty),
		BaseCost:          RoundMoney(base),
		ScrapCost:         RoundMoney(scrap),
		OverheadCost:      RoundMoney(overhead),
		TotalCost:         RoundMoney(total),
		EffectiveUnitCost: RoundMoney(unit),
		MOQ:               roundQuantity(moq),
		MOQCost:           RoundMoney(moqCost),
		LeadTimeDays:      in.LeadTimeDays,
		BaseShare:         share(base, total),
		ScrapShare:        share(scrap, total),
		OverheadShare:     share(overhead, total),
	}, nil
}
