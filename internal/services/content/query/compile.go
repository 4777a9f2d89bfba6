// Package query compiles OData-style query strings into abstract queries.
//
// Two input forms are accepted: a bare filter expression, or query options
// ($filter, $orderby, $skip, $top) with an optional leading '?'. Compilation
// is all-or-nothing: any error yields a *CompilationError and no query.
package query

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"

	"go.einride.tech/aip/ordering"

	"github.com/louisbranch/cmsread/internal/platform/pagination"
	"github.com/louisbranch/cmsread/internal/services/content/querymodel"
)

const (
	optionFilter  = "$filter"
	optionOrderBy = "$orderby"
	optionSkip    = "$skip"
	optionTop     = "$top"
)

// Options recognized by OData but not supported here.
var unsupportedOptions = map[string]struct{}{
	"$expand":  {},
	"$select":  {},
	"$search":  {},
	"$count":   {},
	"$apply":   {},
	"$compute": {},
	"$format":  {},
	"$levels":  {},
	"$index":   {},
}

// Compile parses raw against model.
func Compile(model querymodel.Model, raw string) (Query, error) {
	options, err := splitOptions(raw)
	if err != nil {
		return Query{}, err
	}

	q := Query{Take: pagination.Content.Default}
	if text, ok := options[optionFilter]; ok && strings.TrimSpace(text) != "" {
		filter, err := parseFilter(model, text)
		if err != nil {
			return Query{}, withOption(err, optionFilter)
		}
		q.Filter = filter
	}
	if text, ok := options[optionOrderBy]; ok && strings.TrimSpace(text) != "" {
		keys, err := parseOrderBy(model, text)
		if err != nil {
			return Query{}, withOption(err, optionOrderBy)
		}
		q.Sort = keys
	}
	if text, ok := options[optionSkip]; ok {
		skip, err := parseCount(text)
		if err != nil {
			return Query{}, withOption(err, optionSkip)
		}
		q.Skip = pagination.ClampSkip(skip)
	}
	if text, ok := options[optionTop]; ok {
		take, err := parseCount(text)
		if err != nil {
			return Query{}, withOption(err, optionTop)
		}
		q.Take = pagination.ClampTake(&take, pagination.Content)
	}
	return q, nil
}

// splitOptions returns option name to value. A leading bare expression is
// treated as $filter and may be followed by further options.
func splitOptions(raw string) (map[string]string, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "?")
	options := make(map[string]string)
	if text == "" {
		return options, nil
	}
	if !strings.HasPrefix(text, "$") {
		bare, rest := splitBareFilter(text)
		options[optionFilter] = bare
		text = rest
	}

	for _, segment := range strings.Split(text, "&") {
		if segment == "" {
			continue
		}
		rawName, rawValue, hasValue := strings.Cut(segment, "=")
		name, err := url.QueryUnescape(rawName)
		if err != nil {
			return nil, &CompilationError{Kind: Malformed, Reason: "invalid escape in option name", Offset: -1}
		}
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case optionFilter, optionOrderBy, optionSkip, optionTop:
		default:
			if _, ok := unsupportedOptions[name]; ok {
				return nil, &CompilationError{Kind: UnsupportedOperator, Reason: "query option " + name + " is not supported", Option: name, Offset: -1}
			}
			return nil, &CompilationError{Kind: Malformed, Reason: "unknown query option " + strconv.Quote(name), Offset: -1}
		}
		if !hasValue {
			return nil, &CompilationError{Kind: Malformed, Reason: "query option has no value", Option: name, Offset: -1}
		}
		if _, dup := options[name]; dup {
			return nil, &CompilationError{Kind: Malformed, Reason: "query option is repeated", Option: name, Offset: -1}
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, &CompilationError{Kind: Malformed, Reason: "invalid escape in option value", Option: name, Offset: -1}
		}
		options[name] = value
	}
	return options, nil
}

// splitBareFilter cuts a bare filter at the first "&$name=" whose name is a
// query option, so ampersands inside the expression survive.
func splitBareFilter(text string) (string, string) {
	for i := 0; ; {
		j := strings.Index(text[i:], "&$")
		if j < 0 {
			return text, ""
		}
		at := i + j
		name, _, _ := strings.Cut(text[at+1:], "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if isOption(name) {
			return text[:at], text[at+1:]
		}
		i = at + 2
	}
}

func isOption(name string) bool {
	switch name {
	case optionFilter, optionOrderBy, optionSkip, optionTop:
		return true
	}
	_, ok := unsupportedOptions[name]
	return ok
}

// parseCount reads an integer option value. Values out of int
// range saturate so paging clamps them like any other large value.
func parseCount(text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	value, err := strconv.Atoi(trimmed)
	if errors.Is(err, strconv.ErrRange) {
		if strings.HasPrefix(trimmed, "-") {
			return math.MinInt, nil
		}
		return math.MaxInt, nil
	}
	if err != nil {
		return 0, &CompilationError{Kind: Malformed, Reason: "expected an integer, found " + strconv.Quote(text), Offset: 0}
	}
	return value, nil
}

// parseOrderBy resolves "prop [asc|desc], ..." with aip ordering syntax.
// OData separators are normalized first: '/' becomes '.', language tag
// hyphens become underscores, and explicit "asc" is dropped.
func parseOrderBy(model querymodel.Model, text string) ([]SortKey, error) {
	parts := strings.Split(text, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		words := strings.Fields(part)
		if len(words) == 0 {
			return nil, errorf(Malformed, 0, "empty sort key in %q", text)
		}
		path := normalizePath(words[0])
		switch {
		case len(words) == 1:
			normalized = append(normalized, path)
		case len(words) == 2 && strings.EqualFold(words[1], "asc"):
			normalized = append(normalized, path)
		case len(words) == 2 && strings.EqualFold(words[1], "desc"):
			normalized = append(normalized, path+" desc")
		default:
			return nil, errorf(Malformed, 0, "invalid sort key %q", strings.TrimSpace(part))
		}
	}

	var orderBy ordering.OrderBy
	if err := orderBy.UnmarshalString(strings.Join(normalized, ",")); err != nil {
		return nil, errorf(Malformed, 0, "invalid order by: %v", err)
	}

	keys := make([]SortKey, 0, len(orderBy.Fields))
	seen := make(map[string]struct{}, len(orderBy.Fields))
	for _, field := range orderBy.Fields {
		prop, ok := model.Lookup(field.Path)
		if !ok {
			if hasChildren(model, field.Path) {
				return nil, errorf(UnsupportedOperator, 0, "property %q has no scalar value; sort by one of its nested properties", field.Path)
			}
			return nil, errorf(UnknownField, 0, "unknown property %q", field.Path)
		}
		if !prop.Sortable {
			return nil, errorf(UnsupportedOperator, 0, "%s property %q cannot be sorted", prop.Kind, prop.Name)
		}
		if _, dup := seen[prop.Name]; dup {
			return nil, errorf(Malformed, 0, "property %q is sorted more than once", prop.Name)
		}
		seen[prop.Name] = struct{}{}
		keys = append(keys, SortKey{
			Property: prop.Name,
			Column:   prop.Column,
			Kind:     prop.Kind,
			Desc:     field.Desc,
		})
	}
	return keys, nil
}

func withOption(err error, option string) error {
	if compErr, ok := err.(*CompilationError); ok {
		compErr.Option = option
		return compErr
	}
	return err
}
