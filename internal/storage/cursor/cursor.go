// Package cursor provides opaque pagination token encoding/decoding.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidToken reports a page token that cannot be decoded.
var ErrInvalidToken = errors.New("invalid page token")

// ErrTokenMismatch reports a page token issued for a different query.
var ErrTokenMismatch = errors.New("page token does not match query")

// Cursor represents the internal state of a pagination cursor.
type Cursor struct {
	// Skip is the number of rows to skip to reach the next page.
	Skip int `json:"skip"`
	// ScopeHash binds the token to one app and schema.
	ScopeHash string `json:"scope_hash,omitempty"`
	// FilterHash ensures tokens are invalidated if the filter changes.
	FilterHash string `json:"filter_hash,omitempty"`
	// OrderHash ensures tokens are invalidated if the order_by changes.
	OrderHash string `json:"order_hash,omitempty"`
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque base64 string to a cursor.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: decode base64: %v", ErrInvalidToken, err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: unmarshal cursor: %v", ErrInvalidToken, err)
	}
	if c.Skip < 0 {
		return Cursor{}, fmt.Errorf("%w: negative skip %d", ErrInvalidToken, c.Skip)
	}
	return c, nil
}

// Hash computes a short hash of a query component for cursor validation.
// Returns empty string for empty input.
func Hash(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:8])
}

// New creates a cursor pointing at skip for the given scope, filter and order.
func New(skip int, scope, filter, orderBy string) Cursor {
	return Cursor{
		Skip:       skip,
		ScopeHash:  Hash(scope),
		FilterHash: Hash(filter),
		OrderHash:  Hash(orderBy),
	}
}

// Validate checks that c was issued for the same scope, filter and order.
func Validate(c Cursor, scope, filter, orderBy string) error {
	if c.ScopeHash != Hash(scope) {
		return fmt.Errorf("%w: scope changed", ErrTokenMismatch)
	}
	if c.FilterHash != Hash(filter) {
		return fmt.Errorf("%w: filter changed", ErrTokenMismatch)
	}
	if c.OrderHash != Hash(orderBy) {
		return fmt.Errorf("%w: order_by changed", ErrTokenMismatch)
	}
	return nil
}
