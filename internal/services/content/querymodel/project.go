package querymodel

import (
	"fmt"
	"strings"

	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
)

// ProjectionError reports raw data that does not match its schema.
type ProjectionError struct {
	Property string
	Err      error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("property %q: %v", e.Property, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// Project derives the typed projection of raw data for the model: a flat map
// from property name to typed scalar. Missing or null values are omitted and
// unknown raw fields are ignored.
func (m Model) Project(data map[string]any) (map[string]any, error) {
	typed := make(map[string]any)
	for _, prop := range m.Properties() {
		if prop.System() || !prop.Kind.Scalar() {
			continue
		}
		raw, ok, err := resolve(data, prop.steps)
		if err != nil {
			return nil, &ProjectionError{Property: prop.Name, Err: err}
		}
		if !ok || raw == nil {
			continue
		}
		value, err := schema.ParseValue(prop.Kind, raw)
		if err != nil {
			return nil, &ProjectionError{Property: prop.Name, Err: err}
		}
		typed[prop.Name] = value
	}
	return typed, nil
}

// Project builds the model for (s, app) and derives the typed projection.
func Project(s schema.Schema, app schema.App, data map[string]any) (map[string]any, error) {
	return Build(s, app).Project(data)
}

func resolve(data map[string]any, steps []step) (any, bool, error) {
	var current any = data
	for i, st := range steps {
		if current == nil {
			return nil, false, nil
		}
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("expected object at %q, got %T", steps[i-1].key, current)
		}
		value, found := object[st.key]
		if !found && st.language {
			value, found = object[strings.ReplaceAll(st.key, "-", "_")]
		}
		if !found {
			return nil, false, nil
		}
		current = value
	}
	return current, true, nil
}
