package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/querymodel"
)

// Query is the storage-independent form of a compiled query.
type Query struct {
	// Filter is nil when every record matches.
	Filter Expr
	Sort   []SortKey
	Skip   int
	Take   int
	// IDs restricts results to the listed content ids when non-nil. An empty
	// non-nil slice matches nothing.
	IDs []string
	// IncludeUnpublished also returns draft and unpublished records.
	IncludeUnpublished bool
}

// FilterString renders the filter in canonical form.
func (q Query) FilterString() string {
	if q.Filter == nil {
		return ""
	}
	return q.Filter.String()
}

// OrderString renders the sort keys in canonical form.
func (q Query) OrderString() string {
	parts := make([]string, 0, len(q.Sort))
	for _, key := range q.Sort {
		parts = append(parts, key.String())
	}
	return strings.Join(parts, ", ")
}

// SortKey is one sort criterion.
type SortKey struct {
	Property string
	// Column is set for system properties.
	Column string
	Kind   schema.Kind
	Desc   bool
}

func (k SortKey) String() string {
	if k.Desc {
		return k.Property + " desc"
	}
	return k.Property + " asc"
}

// Expr is a filter expression node.
type Expr interface {
	String() string
	expr()
}

// And matches when every term matches.
type And struct {
	Terms []Expr
}

// Or matches when any term matches.
type Or struct {
	Terms []Expr
}

// Not negates its term.
type Not struct {
	Term Expr
}

// Compare tests one property against a typed literal. A nil Value is null.
type Compare struct {
	Property string
	// Column is set for system properties.
	Column string
	Kind   schema.Kind
	Op     querymodel.Operator
	// Value is a string, float64, bool, int64 unix millis for dates, or nil.
	Value any
}

func (And) expr()     {}
func (Or) expr()      {}
func (Not) expr()     {}
func (Compare) expr() {}

func (e And) String() string {
	return joinTerms(e.Terms, " and ")
}

func (e Or) String() string {
	return joinTerms(e.Terms, " or ")
}

func (e Not) String() string {
	return "not (" + e.Term.String() + ")"
}

func (e Compare) String() string {
	switch e.Op {
	case querymodel.OpContains, querymodel.OpStartsWith, querymodel.OpEndsWith:
		return string(e.Op) + "(" + e.Property + ", " + formatLiteral(e.Kind, e.Value) + ")"
	default:
		return e.Property + " " + string(e.Op) + " " + formatLiteral(e.Kind, e.Value)
	}
}

func joinTerms(terms []Expr, sep string) string {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		parts = append(parts, term.String())
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func formatLiteral(kind schema.Kind, value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		if kind == schema.KindDate {
			return time.UnixMilli(v).UTC().Format(time.RFC3339Nano)
		}
		return strconv.FormatInt(v, 10)
	default:
		return "?"
	}
}
