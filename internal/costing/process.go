package costing

// ProcessInput holds one manufacturing operation. Rates are per hour.
type ProcessInput struct {
	SetupManning     float64 `json:"setup_manning" validate:"costrange=0:1000"`
	SetupTimeMinutes float64 `json:"setup_time_minutes" validate:"costrange=0:100000"`
	BatchSize        float64 `json:"batch_size" validate:"costrange=1:1000000"`
	Heads            float64 `json:"heads" validate:"costrange=0:1000"`
	CycleTimeSeconds float64 `json:"cycle_time_seconds" validate:"costrange=0:86400"`
	PartsPerCycle    float64 `json:"parts_per_cycle" validate:"costrange=1:10000"`
	DirectRate       float64 `json:"direct_rate" validate:"costrange=0:1000000"`
	IndirectRate     float64 `json:"indirect_rate" validate:"costrange=0:1000000"`
	FringeRate       float64 `json:"fringe_rate" validate:"costrange=0:1000000"`
	MachineRate      float64 `json:"machine_rate" validate:"costrange=0:1000000"`
	ScrapPercent     float64 `json:"scrap_percent" validate:"costrange=0:50"`
}

func (ProcessInput) Category() Category { return CategoryProcess }

// ProcessBreakdown is the costed result of a ProcessInput.
type ProcessBreakdown struct {
	SetupHours        float64 `json:"setup_hours"`
	CycleHoursPerPart float64 `json:"cycle_hours_per_part"`
	SetupCostPerPart  float64 `json:"setup_cost_per_part"`
	CycleCostPerPart  float64 `json:"cycle_cost_per_part"`
	CostBeforeScrap   float64 `json:"cost_before_scrap"`
	ScrapFactor       float64 `json:"scrap_factor"`
	ScrapCostPerPart  float64 `json:"scrap_cost_per_part"`
	TotalCostPerPart  float64 `json:"total_cost_per_part"`
	TotalBatchCost    float64 `json:"total_batch_cost"`

	SetupShare float64 `json:"setup_share"`
	CycleShare float64 `json:"cycle_share"`
	ScrapShare float64 `json:"scrap_share"`
}

func (ProcessBreakdown) Category() Category { return CategoryProcess }

// Total is the per-part cost; the batch figure is informational.
func (b ProcessBreakdown) Total() float64 { return b.TotalCostPerPart }

// CalculateProcess costs one manufacturing operation per part and per batch.
func CalculateProcess(in ProcessInput) (ProcessBreakdown, error) {
	if err := requireBelowFull(KindScrapSaturated, "scrap_percent", in.ScrapPercent); err != nil {
		return ProcessBreakdown{}, err
	}
	if in.BatchSize == 0 {
		return ProcessBreakdown{}, &DomainError{Kind: KindZeroBatchSize, Message: "batch_size of 0 cannot absorb setup cost"}
	}
	if in.PartsPerCycle == 0 {
		return ProcessBreakdown{}, &DomainError{Kind: KindZeroPartsPerCycle, Message: "parts_per_cycle of 0 produces no parts"}
	}
	if err := checkRanges(in); err != nil {
		return ProcessBreakdown{}, err
	}

	labor := in.DirectRate + in.IndirectRate + in.FringeRate
	setupHours := in.SetupTimeMinutes / 60
	cycleHours := in.CycleTimeSeconds / 3600 / in.PartsPerCycle

	setup := (setupHours*in.SetupManning*labor + setupHours*in.MachineRate) / in.BatchSize
	cycle := cycleHours*in.Heads*labor + cycleHours*in.MachineRate
	before := setup + cycle
	scrapFactor := 1 / (1 - fraction(in.ScrapPercent))
	perPart := before * scrapFactor
	batch := perPart * in.BatchSize

	if err := requireFinite(CategoryProcess, setup, cycle, scrapFactor, perPart, batch); err != nil {
		return ProcessBreakdown{}, err
	}

	return ProcessBreakdown{
		SetupHours:        roundQuantity(setupHours),
		CycleHoursPerPart: roundFactor(cycleHours),
		SetupCostPerPart:  RoundMoney(setup),
		CycleCostPerPart:  RoundMoney(cycle),
		CostBeforeScrap:   RoundMoney(before),
		ScrapFactor:       roundFactor(scrapFactor),
		ScrapCostPerPart:  RoundMoney(perPart - before),
		TotalCostPerPart:  RoundMoney(perPart),
		TotalBatchCost:    RoundMoney(batch),
		SetupShare:        share(setup, perPart),
		CycleShare:        share(cycle, perPart),
		ScrapShare:        share(perPart-before, perPart),
	}, nil
}
