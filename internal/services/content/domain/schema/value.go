package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are accepted for date values, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses an ISO-8601 date or datetime. Values without a zone are UTC.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", value)
}

// ParseValue converts a decoded JSON value into the typed form for kind.
// A nil raw value yields nil with no error.
func ParseValue(kind Kind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch kind {
	case KindString:
		value, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return value, nil
	case KindNumber:
		return parseNumber(raw)
	case KindBoolean:
		value, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return value, nil
	case KindDate:
		switch value := raw.(type) {
		case string:
			parsed, err := ParseDate(value)
			if err != nil {
				return nil, err
			}
			return parsed.UnixMilli(), nil
		case time.Time:
			return value.UTC().UnixMilli(), nil
		default:
			return nil, fmt.Errorf("expected date string, got %T", raw)
		}
	default:
		return nil, fmt.Errorf("kind %s has no scalar value", kind)
	}
}

func parseNumber(raw any) (float64, error) {
	var value float64
	switch v := raw.(type) {
	case float64:
		value = v
	case float32:
		value = float64(v)
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	case json.Number:
		parsed, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v.String())
		}
		value = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("number is not finite")
	}
	return value, nil
}
