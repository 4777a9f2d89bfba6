package sqlite

import (
	"fmt"
	"strings"
	"time"

	"go.einride.tech/aip/filtering"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

// FailureDeclarations returns the field declarations for failure filtering.
func FailureDeclarations() (*filtering.Declarations, error) {
	return filtering.NewDeclarations(
		filtering.DeclareStandardFunctions(),
		filtering.DeclareIdent("app_id", filtering.TypeString),
		filtering.DeclareIdent("content_id", filtering.TypeString),
		filtering.DeclareIdent("event_type", filtering.TypeString),
		filtering.DeclareIdent("seq", filtering.TypeInt),
		filtering.DeclareIdent("resolved", filtering.TypeBool),
		filtering.DeclareIdent("failed_at", filtering.TypeTimestamp),
	)
}

// SQLCondition represents a SQL WHERE clause fragment with parameters.
type SQLCondition struct {
	// Clause is the SQL WHERE clause (e.g., "app_id = ?").
	Clause string
	// Params are the positional parameters for the clause.
	Params []any
}

// failureColumnsByField maps filter field names to SQL column names.
var failureColumnsByField = map[string]string{
	"app_id":     "app_id",
	"content_id": "content_id",
	"event_type": "event_type",
	"seq":        "seq",
	"failed_at":  "failed_at",
}

// ParseFailureFilter parses an AIP-160 filter expression and returns a SQL
// condition. Returns an empty condition for an empty filter string.
func ParseFailureFilter(filterStr string) (SQLCondition, error) {
	if strings.TrimSpace(filterStr) == "" {
		return SQLCondition{}, nil
	}

	decls, err := FailureDeclarations()
	if err != nil {
		return SQLCondition{}, fmt.Errorf("create declarations: %w", err)
	}

	filter, err := filtering.ParseFilterString(filterStr, decls)
	if err != nil {
		return SQLCondition{}, fmt.Errorf("%w: %w", storage.ErrInvalidFilter, err)
	}

	cond, err := translateFilterExpr(filter.CheckedExpr.GetExpr())
	if err != nil {
		return SQLCondition{}, fmt.Errorf("%w: %w", storage.ErrInvalidFilter, err)
	}
	return cond, nil
}

func translateFilterExpr(e *expr.Expr) (SQLCondition, error) {
	if e == nil {
		return SQLCondition{}, nil
	}
	switch kind := e.ExprKind.(type) {
	case *expr.Expr_CallExpr:
		return translateFilterCall(kind.CallExpr)
	case *expr.Expr_IdentExpr:
		// A bare boolean ident such as "resolved".
		if kind.IdentExpr.Name == "resolved" {
			return SQLCondition{Clause: "resolved_at IS NOT NULL"}, nil
		}
		return SQLCondition{}, fmt.Errorf("unsupported bare identifier: %s", kind.IdentExpr.Name)
	default:
		return SQLCondition{}, fmt.Errorf("unsupported expression type: %T", kind)
	}
}

func translateFilterCall(call *expr.Expr_Call) (SQLCondition, error) {
	switch call.Function {
	case filtering.FunctionAnd:
		return translateFilterJunction(call.Args, "AND")
	case filtering.FunctionOr:
		return translateFilterJunction(call.Args, "OR")
	case filtering.FunctionNot:
		if len(call.Args) != 1 {
			return SQLCondition{}, fmt.Errorf("NOT requires 1 argument")
		}
		inner, err := translateFilterExpr(call.Args[0])
		if err != nil {
			return SQLCondition{}, err
		}
		return SQLCondition{Clause: "NOT (" + inner.Clause + ")", Params: inner.Params}, nil
	case filtering.FunctionEquals:
		return translateFilterComparison(call.Args, "=")
	case filtering.FunctionNotEquals:
		return translateFilterComparison(call.Args, "!=")
	case filtering.FunctionLessThan:
		return translateFilterComparison(call.Args, "<")
	case filtering.FunctionLessEquals:
		return translateFilterComparison(call.Args, "<=")
	case filtering.FunctionGreaterThan:
		return translateFilterComparison(call.Args, ">")
	case filtering.FunctionGreaterEquals:
		return translateFilterComparison(call.Args, ">=")
	default:
		return SQLCondition{}, fmt.Errorf("unsupported function: %s", call.Function)
	}
}

func translateFilterJunction(args []*expr.Expr, op string) (SQLCondition, error) {
	if len(args) != 2 {
		return SQLCondition{}, fmt.Errorf("%s requires 2 arguments", op)
	}
	left, err := translateFilterExpr(args[0])
	if err != nil {
		return SQLCondition{}, err
	}
	right, err := translateFilterExpr(args[1])
	if err != nil {
		return SQLCondition{}, err
	}
	return SQLCondition{
		Clause: fmt.Sprintf("(%s %s %s)", left.Clause, op, right.Clause),
		Params: append(left.Params, right.Params...),
	}, nil
}

func translateFilterComparison(args []*expr.Expr, op string) (SQLCondition, error) {
	if len(args) != 2 {
		return SQLCondition{}, fmt.Errorf("comparison requires 2 arguments")
	}
	ident, ok := args[0].GetExprKind().(*expr.Expr_IdentExpr)
	if !ok {
		return SQLCondition{}, fmt.Errorf("expected identifier, got %T", args[0].GetExprKind())
	}
	field := ident.IdentExpr.GetName()

	value, err := extractFilterValue(args[1])
	if err != nil {
		return SQLCondition{}, err
	}

	if field == "resolved" {
		resolved, ok := value.(bool)
		if !ok || (op != "=" && op != "!=") {
			return SQLCondition{}, fmt.Errorf("resolved only supports = and != with a boolean")
		}
		if resolved == (op == "=") {
			return SQLCondition{Clause: "resolved_at IS NOT NULL"}, nil
		}
		return SQLCondition{Clause: "resolved_at IS NULL"}, nil
	}

	column, ok := failureColumnsByField[field]
	if !ok {
		return SQLCondition{}, fmt.Errorf("unknown field: %s", field)
	}
	return SQLCondition{
		Clause: fmt.Sprintf("%s %s ?", column, op),
		Params: []any{value},
	}, nil
}

func extractFilterValue(e *expr.Expr) (any, error) {
	switch kind := e.GetExprKind().(type) {
	case *expr.Expr_ConstExpr:
		switch c := kind.ConstExpr.GetConstantKind().(type) {
		case *expr.Constant_StringValue:
			return c.StringValue, nil
		case *expr.Constant_Int64Value:
			return c.Int64Value, nil
		case *expr.Constant_Uint64Value:
			return int64(c.Uint64Value), nil
		case *expr.Constant_DoubleValue:
			return c.DoubleValue, nil
		case *expr.Constant_BoolValue:
			return c.BoolValue, nil
		default:
			return nil, fmt.Errorf("unsupported constant type: %T", c)
		}
	case *expr.Expr_CallExpr:
		// timestamp("...") compares against millisecond columns.
		if kind.CallExpr.GetFunction() == filtering.FunctionTimestamp && len(kind.CallExpr.GetArgs()) == 1 {
			arg, ok := kind.CallExpr.GetArgs()[0].GetExprKind().(*expr.Expr_ConstExpr)
			if !ok {
				return nil, fmt.Errorf("timestamp argument must be a constant string")
			}
			str, ok := arg.ConstExpr.GetConstantKind().(*expr.Constant_StringValue)
			if !ok {
				return nil, fmt.Errorf("timestamp argument must be a string")
			}
			t, err := time.Parse(time.RFC3339Nano, str.StringValue)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp format: %s", str.StringValue)
			}
			return toMillis(t), nil
		}
		return nil, fmt.Errorf("unsupported function in value position: %s", kind.CallExpr.GetFunction())
	default:
		return nil, fmt.Errorf("expected constant or timestamp, got %T", kind)
	}
}
