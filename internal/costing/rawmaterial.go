package costing

// RawMaterialInput holds the inputs for one raw material consumed by a part.
type RawMaterialInput struct {
	UnitCost        float64 `json:"unit_cost" validate:"costrange=0:1000000"`
	GrossUsage      float64 `json:"gross_usage" validate:"costrange=0:1000000"`
	NetUsage        float64 `json:"net_usage" validate:"costrange=0:1000000"`
	ReclaimRate     float64 `json:"reclaim_rate" validate:"costrange=0:1000000"`
	ScrapPercent    float64 `json:"scrap_percent" validate:"costrange=0:50"`
	OverheadPercent float64 `json:"overhead_percent" validate:"costrange=0:500"`
}

func (RawMaterialInput) Category() Category { return CategoryRawMaterial }

// RawMaterialBreakdown is the costed result of a RawMaterialInput.
type RawMaterialBreakdown struct {
	GrossMaterialCost float64 `json:"gross_material_cost"`
	ReclaimValue      float64 `json:"reclaim_value"`
	NetMaterialCost   float64 `json:"net_material_cost"`
	ScrapAdjustment   float64 `json:"scrap_adjustment"`
	OverheadCost      float64 `json:"overhead_cost"`
	TotalCost         float64 `json:"total_cost"`

	MaterialShare float64 `json:"material_share"`
	ScrapShare    float64 `json:"scrap_share"`
	OverheadShare float64 `json:"overhead_share"`
}

func (RawMaterialBreakdown) Category() Category { return CategoryRawMaterial }

func (b RawMaterialBreakdown) Total() float64 { return b.TotalCost }

// CalculateRawMaterial costs a raw material line.
func CalculateRawMaterial(in RawMaterialInput) (RawMaterialBreakdown, error) {
	if err := requireBelowFull(KindScrapSaturated, "scrap_percent", in.ScrapPercent); err != nil {
		return RawMaterialBreakdown{}, err
	}
	var extra []FieldViolation
	if in.NetUsage > in.GrossUsage && in.GrossUsage >= 0 && in.GrossUsage <= 1000000 {
		extra = append(extra, newViolation("net_usage", 0, in.GrossUsage))
	}
	if err := checkRanges(in, extra...); err != nil {
		return RawMaterialBreakdown{}, err
	}

	scrap := fraction(in.ScrapPercent)
	overhead := fraction(in.OverheadPercent)

	gross := in.UnitCost * in.GrossUsage
	reclaim := in.ReclaimRate * (in.GrossUsage - in.NetUsage)
	net := gross - reclaim
	scrapAdj := net * scrap / (1 - scrap)
	overheadCost := (net + scrapAdj) * overhead
	total := net + scrapAdj + overheadCost

	if err := requireFinite(CategoryRawMaterial, gross, reclaim, net, scrapAdj, overheadCost, total); err != nil {
		return RawMaterialBreakdown{}, err
	}

	return RawMaterialBreakdown{
		GrossMaterialCost: RoundMoney(gross),
		ReclaimValue:      RoundMoney(reclaim),
		NetMaterialCost:   RoundMoney(net),
		ScrapAdjustment:   RoundMoney(scrapAdj),
		OverheadCost:      RoundMoney(overheadCost),
		TotalCost:         RoundMoney(total),
		MaterialShare:     share(net, total),
		ScrapShare:        share(scrapAdj, total),
		OverheadShare:     share(overheadCost, total),
	}, nil
}
