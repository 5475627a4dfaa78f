// Package costing implements the five pure cost calculation engines: raw
// material, manufacturing process, child part, procured part and
// packaging/logistics.
package costing

import (
	"encoding/json"
	"fmt"
)

// Category identifies one of the five independently priced cost contributions.
type Category string

const (
	CategoryRawMaterial  Category = "raw_material"
	CategoryProcess      Category = "process"
	CategoryChildPart    Category = "child_part"
	CategoryProcuredPart Category = "procured_part"
	CategoryLogistics    Category = "logistics"
)

// Categories lists every category in aggregation order.
var Categories = []Category{
	CategoryRawMaterial,
	CategoryProcess,
	CategoryChildPart,
	CategoryProcuredPart,
	CategoryLogistics,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRawMaterial, CategoryProcess, CategoryChildPart, CategoryProcuredPart, CategoryLogistics:
		return true
	}
	return false
}

// ParseCategory converts a raw string into a Category.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown cost category %q", raw)
	}
	return c, nil
}

// Input is a category-specific cost input record.
type Input interface {
	Category() Category
}

// Breakdown is the output of an engine. Total is the figure the aggregation
// sums for the owning BOM node.
type Breakdown interface {
	Category() Category
	Total() float64
}

// NewInput returns a zero input value for category c, ready for decoding.
func NewInput(c Category) (Input, error) {
	switch c {
	case CategoryRawMaterial:
		return &RawMaterialInput{}, nil
	case CategoryProcess:
		return &ProcessInput{}, nil
	case CategoryChildPart:
		return &ChildPartInput{}, nil
	case CategoryProcuredPart:
		return &ProcuredPartInput{}, nil
	case CategoryLogistics:
		return &LogisticsInput{}, nil
	}
	return nil, fmt.Errorf("unknown cost category %q", c)
}

// DecodeInput decodes a JSON document into the input type of category c.
func DecodeInput(c Category, data []byte) (Input, error) {
	in, err := NewInput(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("decode %s input: %w", c, err)
	}
	return deref(in), nil
}

// DecodeBreakdown decodes a JSON document into the breakdown type of category c.
func DecodeBreakdown(c Category, data []byte) (Breakdown, error) {
	var (
		out Breakdown
		err error
	)
	switch c {
	case CategoryRawMaterial:
		var b RawMaterialBreakdown
		err = json.Unmarshal(data, &b)
		out = b
	case CategoryProcess:
		var b ProcessBreakdown
		err = json.Unmarshal(data, &b)
		out = b
	case CategoryChildPart:
		var b ChildPartBreakdown
		err = json.Unmarshal(data, &b)
		out = b
	case CategoryProcuredPart:
		var b ProcuredPartBreakdown
		err = json.Unmarshal(data, &b)
		out = b
	case CategoryLogistics:
		var b LogisticsBreakdown
		err = json.Unmarshal(data, &b)
		out = b
	default:
		return nil, fmt.Errorf("unknown cost category %q", c)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s breakdown: %w", c, err)
	}
	return out, nil
}

// deref turns the pointer returned by NewInput back into a value so that
// stored inputs compare and copy like the rest of the model.
func deref(in Input) Input {
	switch v := in.(type) {
	case *RawMaterialInput:
		return *v
	case *ProcessInput:
		return *v
	case *ChildPartInput:
		return *v
	case *ProcuredPartInput:
		return *v
	case *LogisticsInput:
		return *v
	}
	return in
}
