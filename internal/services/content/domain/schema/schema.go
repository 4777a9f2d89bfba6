package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

// ErrNotFound indicates the schema service does not know the app or schema.
var ErrNotFound = errors.New("schema not found")

// Kind is the closed set of field value kinds.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindDate    Kind = "date"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// ParseKind canonicalizes a kind label.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindString:
		return KindString, nil
	case KindNumber:
		return KindNumber, nil
	case KindBoolean:
		return KindBoolean, nil
	case KindDate:
		return KindDate, nil
	case KindObject:
		return KindObject, nil
	case KindArray:
		return KindArray, nil
	default:
		return "", fmt.Errorf("unknown field kind %q", value)
	}
}

// Scalar reports whether values of the kind can be filtered and sorted.
func (k Kind) Scalar() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindDate:
		return true
	default:
		return false
	}
}

// Field defines one schema field.
type Field struct {
	// Name is the field key in raw content data.
	Name string
	// Kind is the value kind of the field.
	Kind Kind
	// Localizable fields hold one value per app language.
	Localizable bool
	// Fields lists nested fields of an object field.
	Fields []Field
	// Items is the element kind of an array field.
	Items Kind
}

// Schema is a content-type definition scoped to an app.
type Schema struct {
	ID    string
	AppID string
	Name  string
	// Version increases on every schema change. Stored records remember the
	// version their typed projection was derived from.
	Version int64
	Fields  []Field
}

// App is the tenancy boundary that owns schemas and content.
type App struct {
	ID   string
	Name string
	// Languages lists the configured content languages; the first one is the
	// master language.
	Languages []language.Tag
}

// MasterLanguage returns the first configured language, or language.Und.
func (a App) MasterLanguage() language.Tag {
	if len(a.Languages) == 0 {
		return language.Und
	}
	return a.Languages[0]
}

// LanguageKey returns the property suffix used for a language tag.
// Hyphens are not valid in query paths, so "de-CH" becomes "de_CH".
func LanguageKey(tag language.Tag) string {
	return strings.ReplaceAll(tag.String(), "-", "_")
}

// Provider looks up schemas and apps.
type Provider interface {
	FindSchema(ctx context.Context, appID, schemaID string) (Schema, error)
	FindApp(ctx context.Context, appID string) (App, error)
}

// Invalidator is implemented by providers that cache definitions.
type Invalidator interface {
	Invalidate(appID, schemaID string)
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate checks field names and kinds.
func (s Schema) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("schema id is required")
	}
	if strings.TrimSpace(s.AppID) == "" {
		return errors.New("schema app id is required")
	}
	return validateFields(s.Fields, "")
}

func validateFields(fields []Field, prefix string) error {
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		path := prefix + field.Name
		if !fieldNamePattern.MatchString(field.Name) {
			return fmt.Errorf("invalid field name %q", path)
		}
		if _, ok := seen[field.Name]; ok {
			return fmt.Errorf("duplicate field %q", path)
		}
		seen[field.Name] = struct{}{}
		if _, err := ParseKind(string(field.Kind)); err != nil {
			return fmt.Errorf("field %q: %w", path, err)
		}
		switch field.Kind {
		case KindObject:
			if len(field.Fields) == 0 {
				return fmt.Errorf("object field %q has no nested fields", path)
			}
			if err := validateFields(field.Fields, path+"."); err != nil {
				return err
			}
		case KindArray:
			if field.Items == "" {
				return fmt.Errorf("array field %q has no item kind", path)
			}
			if _, err := ParseKind(string(field.Items)); err != nil {
				return fmt.Errorf("array field %q items: %w", path, err)
			}
		}
	}
	return nil
}
