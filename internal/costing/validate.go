package costing

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// rangeTag declares an inclusive numeric range as `costrange=min:max`.
const rangeTag = "costrange"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation(rangeTag, inRange); err != nil {
		panic(fmt.Errorf("register %s validation: %w", rangeTag, err))
	}
	return v
}

func inRange(fl validator.FieldLevel) bool {
	lo, hi, err := parseRange(fl.Param())
	if err != nil {
		return false
	}
	var v float64
	switch fl.Field().Kind() {
	case reflect.Float32, reflect.Float64:
		v = fl.Field().Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v = float64(fl.Field().Int())
	default:
		return false
	}
	if math.IsNaN(v) {
		return false
	}
	return v >= lo && v <= hi
}

func parseRange(param string) (float64, float64, error) {
	rawLo, rawHi, ok := strings.Cut(param, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", param)
	}
	lo, err := strconv.ParseFloat(rawLo, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed range minimum %q: %w", rawLo, err)
	}
	hi, err := strconv.ParseFloat(rawHi, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed range maximum %q: %w", rawHi, err)
	}
	return lo, hi, nil
}

// checkRanges validates the struct tags of in and merges the result with any
// cross-field violations into a single ValidationError.
func checkRanges(in any, extra ...FieldViolation) error {
	var violations []FieldViolation
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate cost input: %w", err)
		}
		for _, fe := range fieldErrs {
			lo, hi, perr := parseRange(fe.Param())
			if perr != nil {
				return fmt.Errorf("validate %s: %w", fe.Field(), perr)
			}
			violations = append(violations, newViolation(fe.Field(), lo, hi))
		}
	}
	violations = append(violations, extra...)
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

func requireBelowFull(kind, field string, pct float64) error {
	if pct >= 100 {
		return &DomainError{
			Kind:    kind,
			Message: fmt.Sprintf("%s of %s%% leaves no usable output", field, formatBound(pct)),
		}
	}
	return nil
}

func requireFinite(category Category, values ...float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &DomainError{
				Kind:    KindNonFinite,
				Message: fmt.Sprintf("%s calculation produced a non-finite figure", category),
			}
		}
	}
	return nil
}
