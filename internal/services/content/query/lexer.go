package query

import (
	"regexp"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokDate
	tokLParen
	tokRParen
	tokComma
	tokColon
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokDate:
		return "date"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokColon:
		return "':'"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	// text is the identifier, the unescaped string, or the literal text.
	text   string
	offset int
}

var (
	datePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:\d{2})?)?`)
	numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][+-]?\d+)?`)
)

// lex splits a filter expression into tokens.
func lex(input string) ([]token, error) {
	var tokens []token
	pos := 0
	for pos < len(input) {
		c := input[pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			pos++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", offset: pos})
			pos++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", offset: pos})
			pos++
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", offset: pos})
			pos++
		case c == ':':
			tokens = append(tokens, token{kind: tokColon, text: ":", offset: pos})
			pos++
		case c == '\'':
			text, next, err := lexString(input, pos)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: text, offset: pos})
			pos = next
		case isDigit(c) || (c == '-' && pos+1 < len(input) && isDigit(input[pos+1])):
			tok, err := lexNumeric(input, pos)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			pos += len(tok.text)
		case isIdentStart(c):
			start := pos
			for pos < len(input) {
				if isIdentPart(input[pos]) || isTagHyphen(input, start, pos) {
					pos++
					continue
				}
				break
			}
			text := input[start:pos]
			if strings.HasSuffix(text, ".") || strings.HasSuffix(text, "/") {
				return nil, errorf(Malformed, pos-1, "property path %q ends with a separator", text)
			}
			tokens = append(tokens, token{kind: tokIdent, text: text, offset: start})
		default:
			return nil, errorf(Malformed, pos, "unexpected character %q", rune(c))
		}
	}
	tokens = append(tokens, token{kind: tokEOF, offset: len(input)})
	return tokens, nil
}

func lexString(input string, start int) (string, int, error) {
	var b strings.Builder
	pos := start + 1
	for pos < len(input) {
		c := input[pos]
		if c == '\'' {
			if pos+1 < len(input) && input[pos+1] == '\'' {
				b.WriteByte('\'')
				pos += 2
				continue
			}
			return b.String(), pos + 1, nil
		}
		b.WriteByte(c)
		pos++
	}
	return "", 0, errorf(Malformed, start, "unterminated string literal")
}

func lexNumeric(input string, start int) (token, error) {
	rest := input[start:]
	if loc := datePattern.FindStringIndex(rest); loc != nil {
		text := rest[:loc[1]]
		if end := start + loc[1]; end < len(input) && isIdentPart(input[end]) {
			return token{}, errorf(Malformed, start, "invalid date literal %q", text+string(input[end]))
		}
		return token{kind: tokDate, text: text, offset: start}, nil
	}
	loc := numberPattern.FindStringIndex(rest)
	if loc == nil {
		return token{}, errorf(Malformed, start, "invalid number literal")
	}
	text := rest[:loc[1]]
	if end := start + loc[1]; end < len(input) && (isIdentPart(input[end]) || input[end] == '-') {
		return token{}, errorf(Malformed, start, "invalid number literal %q", text+string(input[end]))
	}
	return token{kind: tokNumber, text: text, offset: start}, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.' || c == '/'
}

// isTagHyphen reports whether the '-' at pos joins the subtags of a language
// tag in a nested path segment, as in title.de-CH.
func isTagHyphen(input string, start, pos int) bool {
	if input[pos] != '-' || pos+1 >= len(input) || pos == start {
		return false
	}
	prev, next := input[pos-1], input[pos+1]
	if !isIdentStart(next) && !isDigit(next) {
		return false
	}
	if prev == '.' || prev == '/' || prev == '-' {
		return false
	}
	return strings.ContainsAny(input[start:pos], "./")
}
