package costing

import "fmt"

// MakeBuy selects how a child part is sourced.
type MakeBuy string

const (
	Make MakeBuy = "make"
	Buy  MakeBuy = "buy"
)

// ChildPartInput describes a sub-part that is either bought from a supplier
// or made in house. Buy uses UnitCost and the freight/duty/overhead stack;
// make uses RawMaterialCost and ProcessCost.
type ChildPartInput struct {
	MakeBuy MakeBuy `json:"make_buy"`

	UnitCost        float64 `json:"unit_cost" validate:"costrange=0:1000000"`
	FreightPercent  float64 `json:"freight_percent" validate:"costrange=0:100"`
	DutyPercent     float64 `json:"duty_percent" validate:"costrange=0:100"`
	OverheadPercent float64 `json:"overhead_percent" validate:"costrange=0:500"`

	RawMaterialCost float64 `json:"raw_material_cost" validate:"costrange=0:1000000"`
	ProcessCost     float64 `json:"process_cost" validate:"costrange=0:1000000"`

	ScrapPercent      float64  `json:"scrap_percent" validate:"costrange=0:50"`
	DefectRatePercent float64  `json:"defect_rate_percent" validate:"costrange=0:50"`
	Quantity          *float64 `json:"quantity,omitempty" validate:"omitempty,costrange=0.0001:1000000"`
	MOQ               *float64 `json:"moq,omitempty" validate:"omitempty,costrange=1:1000000"`
	LeadTimeDays      float64  `json:"lead_time_days" validate:"costrange=0:365"`
}

func (ChildPartInput) Category() Category { return CategoryChildPart }

// ChildPartBreakdown is the costed result of a ChildPartInput.
type ChildPartBreakdown struct {
	MakeBuy           MakeBuy `json:"make_buy"`
	BaseCost          float64 `json:"base_cost"`
	FreightCost       float64 `json:"freight_cost"`
	DutyCost          float64 `json:"duty_cost"`
	OverheadCost      float64 `json:"overhead_cost"`
	CostBeforeQuality float64 `json:"cost_before_quality"`
	ScrapFactor       float64 `json:"scrap_factor"`
	DefectFactor      float64 `json:"defect_factor"`
	QualityFactor     float64 `json:"quality_factor"`
	QualityCost       float64 `json:"quality_cost"`
	TotalCostPerPart  float64 `json:"total_cost_per_part"`
	Quantity          float64 `json:"quantity"`
	MOQ               float64 `json:"moq"`
	ExtendedCost      float64 `json:"extended_cost"`
	MOQExtendedCost   float64 `json:"moq_extended_cost"`
	LeadTimeDays      float64 `json:"lead_time_days"`

	BaseShare     float64 `json:"base_share"`
	LandedShare   float64 `json:"landed_share"`
	OverheadShare float64 `json:"overhead_share"`
	QualityShare  float64 `json:"quality_share"`
}

func (ChildPartBreakdown) Category() Category { return CategoryChildPart }

// Total is the quantity-scaled cost of the child part.
func (b ChildPartBreakdown) Total() float64 { return b.ExtendedCost }

// CalculateChildPart costs a make or buy child part.
func CalculateChildPart(in ChildPartInput) (ChildPartBreakdown, error) {
	if err := requireBelowFull(KindScrapSaturated, "scrap_percent", in.ScrapPercent); err != nil {
		return ChildPartBreakdown{}, err
	}
	if err := requireBelowFull(KindDefectSaturated, "defect_rate_percent", in.DefectRatePercent); err != nil {
		return ChildPartBreakdown{}, err
	}
	if in.MakeBuy != Make && in.MakeBuy != Buy {
		return ChildPartBreakdown{}, &DomainError{
			Kind:    KindUnknownSourcing,
			Message: fmt.Sprintf("make_buy must be %q or %q, got %q", Make, Buy, in.MakeBuy),
		}
	}
	if err := checkRanges(in); err != nil {
		return ChildPartBreakdown{}, err
	}

	qty := valueOr(in.Quantity, 1)
	moq := valueOr(in.MOQ, 1)

	var base, freight, duty, overhead float64
	switch in.MakeBuy {
	case Buy:
		// Order matters: each step compounds on everything before it.
		base = in.UnitCost
		freight = base * fraction(in.FreightPercent)
		duty = (base + freight) * fraction(in.DutyPercent)
		overhead = (base + freight + duty) * fraction(in.OverheadPercent)
	case Make:
		base = in.RawMaterialCost + in.ProcessCost
	}
	before := base + freight + duty + overhead

	scrapFactor := 1 / (1 - fraction(in.ScrapPercent))
	defectFactor := 1 / (1 - fraction(in.DefectRatePercent))
	quality := scrapFactor * defectFactor
	perPart := before * quality
	extended := perPart * qty
	moqExtended := perPart * moq

	if err := requireFinite(CategoryChildPart, before, quality, perPart, extended, moqExtended); err != nil {
		return ChildPartBreakdown{}, err
	}

	return ChildPartBreakdown{
		MakeBuy:           in.MakeBuy,
		BaseCost:          RoundMoney(base),
		FreightCost:       RoundMoney(freight),
		DutyCost:          RoundMoney(duty),
		OverheadCost:      RoundMoney(overhead),
		CostBeforeQuality: RoundMoney(before),
		ScrapFactor:       roundFactor(scrapFactor),
		DefectFactor:      roundFactor(defectFactor),
		QualityFactor:     roundFactor(quality),
		QualityCost:       RoundMoney(perPart - before),
		TotalCostPerPart:  RoundMoney(perPart),
		Quantity:          roundQuantity(qty),
		MOQ:               roundQuantity(moq),
		ExtendedCost:      RoundMoney(extended),
		MOQExtendedCost:   RoundMoney(moqExtended),
		LeadTimeDays:      in.LeadTimeDays,
		BaseShare:         share(base, perPart),
		LandedShare:       share(freight+duty, perPart),
		OverheadShare:     share(overhead, perPart),
		QualityShare:      share(perPart-before, perPart),
	}, nil
}
