// Package querymodel derives the queryable property table of a schema.
//
// Build is a pure function of (schema, app): it never fails and is never
// cached across schema versions. Everything the compiler needs to accept or
// reject a filter or sort expression is read from the resulting Model.
package querymodel

import (
	"sort"
	"strings"

	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
)

// Operator is a filter operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
)

// System property names.
const (
	PropID       = "id"
	PropCreated  = "created"
	PropModified = "modified"
	PropStatus   = "status"
	PropVersion  = "version"
)

// DataPrefix addresses schema fields explicitly, e.g. "data.status" when a
// field shadows a system property.
const DataPrefix = "data."

var (
	stringOperators  = []Operator{OpEq, OpNe, OpContains, OpStartsWith, OpEndsWith}
	orderedOperators = []Operator{OpEq, OpNe, OpGt, OpGe, OpLt, OpLe}
	equalOperators   = []Operator{OpEq, OpNe}
)

// Property is one queryable property of a model.
type Property struct {
	// Name is the dotted query path, e.g. "title.en" or "meta.rating".
	Name      string
	Kind      schema.Kind
	Operators []Operator
	Sortable  bool
	// Nullable properties accept "eq null" and "ne null".
	Nullable bool
	// Column is set for system properties stored in their own column.
	Column string

	steps []step
}

// step is one hop into raw content data.
type step struct {
	key      string
	language bool
}

// Filterable reports whether any operator applies to the property.
func (p Property) Filterable() bool {
	return len(p.Operators) > 0
}

// Allows reports whether op may be used against the property.
func (p Property) Allows(op Operator) bool {
	for _, candidate := range p.Operators {
		if candidate == op {
			return true
		}
	}
	return false
}

// System reports whether the property maps to a record column.
func (p Property) System() bool {
	return p.Column != ""
}

// Model is the query model for one (schema, app) pair.
type Model struct {
	AppID         string
	SchemaID      string
	SchemaVersion int64

	props map[string]Property
}

// Build derives the query model of s for app.
func Build(s schema.Schema, app schema.App) Model {
	m := Model{
		AppID:         app.ID,
		SchemaID:      s.ID,
		SchemaVersion: s.Version,
		props:         make(map[string]Property),
	}
	for _, prop := range systemProperties() {
		m.props[prop.Name] = prop
	}
	for _, field := range s.Fields {
		m.addField(app, field, "", nil)
	}
	return m
}

func systemProperties() []Property {
	return []Property{
		{Name: PropID, Kind: schema.KindString, Operators: stringOperators, Sortable: true, Column: "id"},
		{Name: PropCreated, Kind: schema.KindDate, Operators: orderedOperators, Sortable: true, Column: "created_at"},
		{Name: PropModified, Kind: schema.KindDate, Operators: orderedOperators, Sortable: true, Column: "modified_at"},
		{Name: PropStatus, Kind: schema.KindString, Operators: equalOperators, Sortable: true, Column: "status"},
		{Name: PropVersion, Kind: schema.KindNumber, Operators: orderedOperators, Sortable: true, Column: "version"},
	}
}

func (m Model) addField(app schema.App, field schema.Field, prefix string, steps []step) {
	base := prefix + field.Name
	baseSteps := appendStep(steps, step{key: field.Name})

	if !field.Localizable {
		m.addValue(app, field, base, baseSteps)
		return
	}
	for _, tag := range app.Languages {
		key := schema.LanguageKey(tag)
		m.addValue(app, field, base+"."+key, appendStep(baseSteps, step{key: tag.String(), language: true}))
	}
}

func (m Model) addValue(app schema.App, field schema.Field, name string, steps []step) {
	switch field.Kind {
	case schema.KindObject:
		for _, child := range field.Fields {
			m.addField(app, child, name+".", steps)
		}
		return
	case schema.KindArray:
		m.put(Property{Name: name, Kind: schema.KindArray, steps: steps})
		return
	}
	m.put(Property{
		Name:      name,
		Kind:      field.Kind,
		Operators: operatorsFor(field.Kind),
		Sortable:  true,
		Nullable:  true,
		steps:     steps,
	})
}

func (m Model) put(prop Property) {
	if _, shadowed := m.props[prop.Name]; shadowed {
		prop.Name = DataPrefix + prop.Name
	}
	m.props[prop.Name] = prop
}

func operatorsFor(kind schema.Kind) []Operator {
	switch kind {
	case schema.KindString:
		return stringOperators
	case schema.KindNumber, schema.KindDate:
		return orderedOperators
	case schema.KindBoolean:
		return equalOperators
	default:
		return nil
	}
}

func appendStep(steps []step, next step) []step {
	out := make([]step, 0, len(steps)+1)
	out = append(out, steps...)
	return append(out, next)
}

// Lookup resolves a dotted property path. Schema fields may also be
// addressed with the "data." prefix.
func (m Model) Lookup(name string) (Property, bool) {
	if prop, ok := m.props[name]; ok {
		return prop, true
	}
	if rest, ok := strings.CutPrefix(name, DataPrefix); ok {
		prop, found := m.props[rest]
		if found && !prop.System() {
			return prop, true
		}
	}
	return Property{}, false
}

// Properties lists all properties sorted by name.
func (m Model) Properties() []Property {
	props := make([]Property, 0, len(m.props))
	for _, prop := range m.props {
		props = append(props, prop)
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	return props
}
