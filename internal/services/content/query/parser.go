package query

import (
	"strconv"
	"strings"

	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/querymodel"
)

var comparisonOperators = map[string]querymodel.Operator{
	"eq": querymodel.OpEq,
	"ne": querymodel.OpNe,
	"gt": querymodel.OpGt,
	"ge": querymodel.OpGe,
	"lt": querymodel.OpLt,
	"le": querymodel.OpLe,
}

var stringFunctions = map[string]querymodel.Operator{
	"contains":   querymodel.OpContains,
	"startswith": querymodel.OpStartsWith,
	"endswith":   querymodel.OpEndsWith,
}

// OData constructs that parse but have no translation.
var (
	arithmeticOperators = map[string]struct{}{
		"add": {}, "sub": {}, "mul": {}, "div": {}, "divby": {}, "mod": {},
	}
	unsupportedInfix = map[string]struct{}{
		"has": {}, "in": {},
	}
	unsupportedFunctions = map[string]struct{}{
		"tolower": {}, "toupper": {}, "trim": {}, "length": {}, "indexof": {},
		"substring": {}, "concat": {}, "matchespattern": {},
		"year": {}, "month": {}, "day": {}, "hour": {}, "minute": {}, "second": {},
		"fractionalseconds": {}, "date": {}, "time": {}, "now": {},
		"maxdatetime": {}, "mindatetime": {}, "totaloffsetminutes": {},
		"round": {}, "floor": {}, "ceiling": {},
		"cast": {}, "isof": {}, "geo.distance": {}, "geo.intersects": {}, "geo.length": {},
	}
)

type parser struct {
	model  querymodel.Model
	tokens []token
	pos    int
}

// parseFilter compiles a filter expression against model.
func parseFilter(model querymodel.Model, input string) (Expr, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{model: model, tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, errorf(Malformed, 0, "empty filter expression")
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.unexpected(tok)
	}
	return expr, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+n]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return token{}, errorf(Malformed, tok.offset, "expected %s, found %s", kind, describe(tok))
	}
	return tok, nil
}

func (p *parser) isKeyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && strings.EqualFold(tok.text, word)
}

func (p *parser) unexpected(tok token) error {
	if tok.kind == tokIdent {
		word := strings.ToLower(tok.text)
		if _, ok := arithmeticOperators[word]; ok {
			return errorf(UnsupportedOperator, tok.offset, "arithmetic operator %q is not supported", tok.text)
		}
		if _, ok := unsupportedInfix[word]; ok {
			return errorf(UnsupportedOperator, tok.offset, "operator %q is not supported", tok.text)
		}
	}
	return errorf(Malformed, tok.offset, "unexpected %s", describe(tok))
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{left}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return Or{Terms: flatten(terms, true)}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Expr{left}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return And{Terms: flatten(terms, false)}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.isKeyword("not") {
		p.next()
		term, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Term: term}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokLParen:
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return expr, nil
	case tokIdent:
		if p.peekAt(1).kind == tokLParen {
			return p.parseCall()
		}
		return p.parseComparison()
	case tokEOF:
		return nil, errorf(Malformed, tok.offset, "unexpected end of filter")
	default:
		return nil, errorf(Malformed, tok.offset, "expected property or function, found %s", describe(tok))
	}
}

// parseCall handles contains(prop, 'x') and friends, optionally compared
// with a boolean: contains(prop, 'x') eq false.
func (p *parser) parseCall() (Expr, error) {
	nameTok := p.next()
	name := strings.ToLower(nameTok.text)

	if strings.HasSuffix(name, "/any") || strings.HasSuffix(name, "/all") {
		return nil, errorf(UnsupportedOperator, nameTok.offset, "lambda operator %q is not supported", nameTok.text)
	}
	op, ok := stringFunctions[name]
	if !ok {
		if _, known := unsupportedFunctions[name]; known {
			return nil, errorf(UnsupportedOperator, nameTok.offset, "function %q is not supported", nameTok.text)
		}
		return nil, errorf(Malformed, nameTok.offset, "unknown function %q", nameTok.text)
	}
	p.next() // (

	propTok := p.peek()
	if propTok.kind != tokIdent {
		return nil, errorf(Malformed, propTok.offset, "expected property, found %s", describe(propTok))
	}
	if p.peekAt(1).kind == tokLParen {
		return nil, errorf(UnsupportedOperator, propTok.offset, "nested function calls are not supported")
	}
	p.next()
	prop, err := p.resolve(propTok)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma); err != nil {
		return nil, err
	}
	litTok := p.next()
	value, err := p.literal(prop, op, litTok)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}

	var expr Expr = newCompare(prop, op, value)
	if p.isKeyword("eq") || p.isKeyword("ne") {
		opTok := p.next()
		boolTok := p.next()
		if boolTok.kind != tokIdent || (!strings.EqualFold(boolTok.text, "true") && !strings.EqualFold(boolTok.text, "false")) {
			return nil, errorf(TypeMismatch, boolTok.offset, "%s returns a boolean, found %s", name, describe(boolTok))
		}
		negate := strings.EqualFold(boolTok.text, "false") != strings.EqualFold(opTok.text, "ne")
		if negate {
			expr = Not{Term: expr}
		}
	}
	return expr, nil
}

func (p *parser) parseComparison() (Expr, error) {
	propTok := p.next()
	prop, err := p.resolve(propTok)
	if err != nil {
		return nil, err
	}

	opTok := p.next()
	if opTok.kind != tokIdent {
		return nil, errorf(Malformed, opTok.offset, "expected operator after %q, found %s", propTok.text, describe(opTok))
	}
	word := strings.ToLower(opTok.text)
	op, ok := comparisonOperators[word]
	if !ok {
		op, ok = stringFunctions[word]
	}
	if !ok {
		return nil, p.unexpected(opTok)
	}

	litTok := p.next()
	value, err := p.literal(prop, op, litTok)
	if err != nil {
		return nil, err
	}
	return newCompare(prop, op, value), nil
}

// resolve maps a path token onto a filterable model property.
func (p *parser) resolve(tok token) (querymodel.Property, error) {
	path := normalizePath(tok.text)
	prop, ok := p.model.Lookup(path)
	if !ok {
		if hasChildren(p.model, path) {
			return querymodel.Property{}, errorf(UnsupportedOperator, tok.offset, "property %q has no scalar value; filter one of its nested properties", path)
		}
		return querymodel.Property{}, errorf(UnknownField, tok.offset, "unknown property %q", path)
	}
	if !prop.Filterable() {
		return querymodel.Property{}, errorf(UnsupportedOperator, tok.offset, "%s property %q cannot be filtered", prop.Kind, prop.Name)
	}
	return prop, nil
}

// literal parses tok as a value for prop under op.
func (p *parser) literal(prop querymodel.Property, op querymodel.Operator, tok token) (any, error) {
	if tok.kind == tokIdent && p.peek().kind == tokLParen {
		return nil, errorf(UnsupportedOperator, tok.offset, "function %q is not supported as a value", tok.text)
	}
	if tok.kind == tokIdent && !isLiteralWord(tok.text) {
		if _, ok := p.model.Lookup(normalizePath(tok.text)); ok {
			return nil, errorf(UnsupportedOperator, tok.offset, "comparing two properties is not supported")
		}
	}
	if !prop.Allows(op) {
		return nil, errorf(TypeMismatch, tok.offset, "operator %s is not allowed on %s property %q", op, prop.Kind, prop.Name)
	}
	if tok.kind == tokIdent && strings.EqualFold(tok.text, "null") {
		if op != querymodel.OpEq && op != querymodel.OpNe {
			return nil, errorf(TypeMismatch, tok.offset, "null can only be compared with eq or ne")
		}
		return nil, nil
	}

	switch prop.Kind {
	case schema.KindString:
		if tok.kind != tokString {
			return nil, mismatch(prop, tok)
		}
		return tok.text, nil
	case schema.KindNumber:
		if tok.kind != tokNumber {
			return nil, mismatch(prop, tok)
		}
		value, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, errorf(Malformed, tok.offset, "invalid number %q", tok.text)
		}
		return value, nil
	case schema.KindBoolean:
		if tok.kind != tokIdent || (!strings.EqualFold(tok.text, "true") && !strings.EqualFold(tok.text, "false")) {
			return nil, mismatch(prop, tok)
		}
		return strings.EqualFold(tok.text, "true"), nil
	case schema.KindDate:
		if tok.kind != tokDate && tok.kind != tokString {
			return nil, mismatch(prop, tok)
		}
		parsed, err := schema.ParseDate(tok.text)
		if err != nil {
			if tok.kind == tokString {
				return nil, errorf(TypeMismatch, tok.offset, "property %q expects a date, found %q", prop.Name, tok.text)
			}
			return nil, errorf(Malformed, tok.offset, "invalid date %q", tok.text)
		}
		return parsed.UnixMilli(), nil
	default:
		return nil, errorf(UnsupportedOperator, tok.offset, "%s property %q cannot be filtered", prop.Kind, prop.Name)
	}
}

func mismatch(prop querymodel.Property, tok token) error {
	switch tok.kind {
	case tokEOF, tokLParen, tokRParen, tokComma, tokColon:
		return errorf(Malformed, tok.offset, "expected value, found %s", describe(tok))
	}
	return errorf(TypeMismatch, tok.offset, "property %q expects a %s value, found %s", prop.Name, prop.Kind, describe(tok))
}

func newCompare(prop querymodel.Property, op querymodel.Operator, value any) Compare {
	return Compare{
		Property: prop.Name,
		Column:   prop.Column,
		Kind:     prop.Kind,
		Op:       op,
		Value:    value,
	}
}

// flatten merges nested and/or nodes of the same kind.
func flatten(terms []Expr, or bool) []Expr {
	out := make([]Expr, 0, len(terms))
	for _, term := range terms {
		switch t := term.(type) {
		case Or:
			if or {
				out = append(out, t.Terms...)
				continue
			}
		case And:
			if !or {
				out = append(out, t.Terms...)
				continue
			}
		}
		out = append(out, term)
	}
	return out
}

func isLiteralWord(text string) bool {
	switch strings.ToLower(text) {
	case "null", "true", "false":
		return true
	default:
		return false
	}
}

func hasChildren(model querymodel.Model, path string) bool {
	prefix := path + "."
	for _, prop := range model.Properties() {
		if strings.HasPrefix(prop.Name, prefix) || strings.HasPrefix(prop.Name, querymodel.DataPrefix+prefix) {
			return true
		}
	}
	return strings.HasPrefix(path, querymodel.DataPrefix) && hasChildren(model, strings.TrimPrefix(path, querymodel.DataPrefix))
}

// pathReplacer maps OData separators onto model property names: '/' becomes
// '.' and language tag hyphens become underscores.
var pathReplacer = strings.NewReplacer("/", ".", "-", "_")

func normalizePath(path string) string {
	return pathReplacer.Replace(path)
}

func describe(tok token) string {
	switch tok.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return "string '" + tok.text + "'"
	case tokIdent, tokNumber, tokDate:
		return tok.kind.String() + " " + strconv.Quote(tok.text)
	default:
		return tok.kind.String()
	}
}
