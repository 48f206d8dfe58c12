package mutation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/store"
	"github.com/shopspring/decimal"
)

const (
	messageRequired    = "is required"
	messageNotNumeric  = "must be a number"
	messageNegative    = "must not be negative"
	messageNotFinite   = "must be finite"
	messageUnsupported = "has an unsupported type"
)

// Schema lists the constraints a collection's records must satisfy before a write.
type Schema struct {
	// Required fields must be present and, when text, non-blank.
	Required []string
	// Numeric fields must hold finite non-negative numbers; numeric text is normalized.
	Numeric []string
}

// ProductSchema is the constraint set for the products collection.
var ProductSchema = Schema{
	Required: []string{"name", "price", "description"},
	Numeric:  []string{"price"},
}

// Validate checks record against the schema and returns a normalized copy.
// With partial set only the supplied fields are checked.
func (s Schema) Validate(record store.Record, partial bool) (store.Record, error) {
	normalized := record.Clone()
	if normalized == nil {
		normalized = store.Record{}
	}
	delete(normalized, store.IDField)

	var problems []domain.FieldError
	reported := make(map[string]bool)
	report := func(field, message string) {
		if reported[field] {
			return
		}
		reported[field] = true
		problems = append(problems, domain.FieldError{Field: field, Message: message})
	}

	for _, field := range s.Required {
		value, present := normalized[field]
		if !present && partial {
			continue
		}
		if blank(value) {
			report(field, messageRequired)
		}
	}

	for _, field := range s.Numeric {
		value, present := normalized[field]
		if !present || reported[field] {
			continue
		}
		if value == nil {
			if partial {
				report(field, messageRequired)
			}
			continue
		}
		number, message := parseNumber(value)
		if message != "" {
			report(field, message)
			continue
		}
		normalized[field] = number
	}

	if len(problems) > 0 {
		sort.SliceStable(problems, func(i, j int) bool {
			return fieldRank(s, problems[i].Field) < fieldRank(s, problems[j].Field)
		})
		return nil, domain.NewValidationErrors(problems)
	}
	return normalized, nil
}

func fieldRank(s Schema, field string) int {
	for index, candidate := range s.Required {
		if candidate == field {
			return index
		}
	}
	return len(s.Required)
}

func blank(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	default:
		return false
	}
}

func parseNumber(value any) (float64, string) {
	var parsed decimal.Decimal
	switch typed := value.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(typed))
		if err != nil {
			return 0, messageNotNumeric
		}
		parsed = d
	case json.Number:
		d, err := decimal.NewFromString(typed.String())
		if err != nil {
			return 0, messageNotNumeric
		}
		parsed = d
	case decimal.Decimal:
		parsed = typed
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, messageNotFinite
		}
		parsed = decimal.NewFromFloat(typed)
	case float32:
		return parseNumber(float64(typed))
	case int:
		parsed = decimal.NewFromInt(int64(typed))
	case int32:
		parsed = decimal.NewFromInt32(typed)
	case int64:
		parsed = decimal.NewFromInt(typed)
	default:
		return 0, fmt.Sprintf("%s (%T)", messageUnsupported, value)
	}
	if parsed.IsNegative() {
		return 0, messageNegative
	}
	number := parsed.InexactFloat64()
	if math.IsInf(number, 0) || math.IsNaN(number) {
		return 0, messageNotFinite
	}
	return number, ""
}
