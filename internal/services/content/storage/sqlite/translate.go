package sqlite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/query"
	"github.com/louisbranch/cmsread/internal/services/content/querymodel"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

// PhysicalQuery is a compiled SQL query over one collection table.
type PhysicalQuery struct {
	Table string
	// Where always starts with the tenancy and visibility predicates.
	Where   string
	Args    []any
	OrderBy string
	Limit   int
	Offset  int
}

// SelectSQL renders the row query. Limit and Offset are appended to Args
// by the caller.
func (p PhysicalQuery) SelectSQL() string {
	return "SELECT " + recordColumns + " FROM " + p.Table +
		" WHERE " + p.Where +
		" ORDER BY " + p.OrderBy +
		" LIMIT ? OFFSET ?"
}

// CountSQL renders the count query over the identical predicates.
func (p PhysicalQuery) CountSQL() string {
	return "SELECT COUNT(*) FROM " + p.Table + " WHERE " + p.Where
}

var propertyNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

var allowedColumns = map[string]struct{}{
	"id":          {},
	"status":      {},
	"version":     {},
	"created_at":  {},
	"modified_at": {},
}

// Translate maps an abstract query onto the app's collection table. Tenancy
// and visibility predicates are always injected ahead of the caller filter.
func Translate(q query.Query, tenancy storage.Tenancy) (PhysicalQuery, error) {
	if strings.TrimSpace(tenancy.AppID) == "" {
		return PhysicalQuery{}, fmt.Errorf("app id is required")
	}
	if strings.TrimSpace(tenancy.SchemaID) == "" {
		return PhysicalQuery{}, fmt.Errorf("schema id is required")
	}

	b := &whereBuilder{}
	b.add("app_id = ?", tenancy.AppID)
	b.add("schema_id = ?", tenancy.SchemaID)
	b.add("deleted = 0")
	if !q.IncludeUnpublished {
		b.add("status = ?", string(content.StatusPublished))
	}
	if q.IDs != nil {
		if len(q.IDs) == 0 {
			b.add("1 = 0")
		} else {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.IDs)), ", ")
			args := make([]any, 0, len(q.IDs))
			for _, id := range q.IDs {
				args = append(args, id)
			}
			b.add("id IN ("+placeholders+")", args...)
		}
	}
	if q.Filter != nil {
		clause, args, err := translateExpr(q.Filter)
		if err != nil {
			return PhysicalQuery{}, err
		}
		b.add("("+clause+")", args...)
	}

	orderBy, err := translateSort(q.Sort)
	if err != nil {
		return PhysicalQuery{}, err
	}

	return PhysicalQuery{
		Table:   TableName(tenancy.AppID),
		Where:   strings.Join(b.clauses, " AND "),
		Args:    b.args,
		OrderBy: orderBy,
		Limit:   q.Take,
		Offset:  q.Skip,
	}, nil
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func (b *whereBuilder) add(clause string, args ...any) {
	b.clauses = append(b.clauses, clause)
	b.args = append(b.args, args...)
}

func translateExpr(e query.Expr) (string, []any, error) {
	switch node := e.(type) {
	case query.And:
		return translateTerms(node.Terms, " AND ")
	case query.Or:
		return translateTerms(node.Terms, " OR ")
	case query.Not:
		clause, args, err := translateExpr(node.Term)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + clause + ")", args, nil
	case query.Compare:
		return translateCompare(node)
	default:
		return "", nil, fmt.Errorf("unsupported expression type: %T", e)
	}
}

func translateTerms(terms []query.Expr, sep string) (string, []any, error) {
	if len(terms) == 0 {
		return "", nil, fmt.Errorf("empty boolean expression")
	}
	clauses := make([]string, 0, len(terms))
	var args []any
	for _, term := range terms {
		clause, termArgs, err := translateExpr(term)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, termArgs...)
	}
	return "(" + strings.Join(clauses, sep) + ")", args, nil
}

// translateCompare renders one comparison. Data properties can be null, so
// their predicates are coalesced to false to keep NOT two-valued.
func translateCompare(c query.Compare) (string, []any, error) {
	expr, err := valueExpr(c.Property, c.Column)
	if err != nil {
		return "", nil, err
	}

	if c.Value == nil {
		switch c.Op {
		case querymodel.OpEq:
			return expr + " IS NULL", nil, nil
		case querymodel.OpNe:
			return expr + " IS NOT NULL", nil, nil
		default:
			return "", nil, fmt.Errorf("operator %s cannot compare null", c.Op)
		}
	}

	var (
		clause string
		args   []any
	)
	switch c.Op {
	case querymodel.OpEq:
		clause, args = expr+" = ?", []any{c.Value}
	case querymodel.OpNe:
		return expr + " IS NOT ?", []any{c.Value}, nil
	case querymodel.OpGt:
		clause, args = expr+" > ?", []any{c.Value}
	case querymodel.OpGe:
		clause, args = expr+" >= ?", []any{c.Value}
	case querymodel.OpLt:
		clause, args = expr+" < ?", []any{c.Value}
	case querymodel.OpLe:
		clause, args = expr+" <= ?", []any{c.Value}
	case querymodel.OpContains, querymodel.OpStartsWith, querymodel.OpEndsWith:
		text, ok := c.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("operator %s requires a string value", c.Op)
		}
		if text == "" {
			return expr + " IS NOT NULL", nil, nil
		}
		switch c.Op {
		case querymodel.OpContains:
			clause, args = "instr("+expr+", ?) > 0", []any{text}
		case querymodel.OpStartsWith:
			clause, args = "substr("+expr+", 1, length(?)) = ?", []any{text, text}
		default:
			clause, args = "substr("+expr+", -length(?)) = ?", []any{text, text}
		}
	default:
		return "", nil, fmt.Errorf("unsupported operator: %s", c.Op)
	}

	if c.Column == "" {
		clause = "COALESCE(" + clause + ", 0)"
	}
	return clause, args, nil
}

func translateSort(keys []query.SortKey) (string, error) {
	parts := make([]string, 0, len(keys)+1)
	sortsByID := false
	for _, key := range keys {
		expr, err := valueExpr(key.Property, key.Column)
		if err != nil {
			return "", err
		}
		direction := "ASC"
		if key.Desc {
			direction = "DESC"
		}
		parts = append(parts, expr+" "+direction)
		if key.Column == "id" {
			sortsByID = true
		}
	}
	if !sortsByID {
		parts = append(parts, "id ASC")
	}
	return strings.Join(parts, ", "), nil
}

// valueExpr returns the SQL expression holding a property's typed value.
func valueExpr(property, column string) (string, error) {
	if column != "" {
		if _, ok := allowedColumns[column]; !ok {
			return "", fmt.Errorf("unknown system column %q", column)
		}
		return column, nil
	}
	if !propertyNamePattern.MatchString(property) {
		return "", fmt.Errorf("invalid property name %q", property)
	}
	return `json_extract(typed, '$."` + property + `"')`, nil
}
