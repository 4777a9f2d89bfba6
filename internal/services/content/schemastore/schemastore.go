// Package schemastore serves app and schema definitions from a YAML file.
package schemastore

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
)

// fileYAML is the document layout of a definitions file.
type fileYAML struct {
	Apps []appYAML `yaml:"apps"`
}

type appYAML struct {
	ID        string       `yaml:"id"`
	Name      string       `yaml:"name,omitempty"`
	Languages []string     `yaml:"languages,omitempty"`
	Schemas   []schemaYAML `yaml:"schemas"`
}

type schemaYAML struct {
	ID      string      `yaml:"id"`
	Name    string      `yaml:"name,omitempty"`
	Version int64       `yaml:"version"`
	Fields  []fieldYAML `yaml:"fields"`
}

type fieldYAML struct {
	Name        string      `yaml:"name"`
	Kind        string      `yaml:"kind"`
	Localizable bool        `yaml:"localizable,omitempty"`
	Items       string      `yaml:"items,omitempty"`
	Fields      []fieldYAML `yaml:"fields,omitempty"`
}

// definitions is one parsed snapshot of the file.
type definitions struct {
	apps    map[string]schema.App
	schemas map[string]schema.Schema
}

// Store is a schema.Provider backed by YAML. A store opened from a file
// re-reads it on the first lookup after Invalidate.
type Store struct {
	path string
	log  zerolog.Logger

	mu    sync.RWMutex
	defs  definitions
	stale bool
}

var (
	_ schema.Provider    = (*Store)(nil)
	_ schema.Invalidator = (*Store)(nil)
)

// Open loads definitions from path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("schema file path is required")
	}
	defs, err := load(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path: path,
		log:  logger.With().Str("component", "schemastore").Logger(),
		defs: defs,
	}, nil
}

// Parse builds a store from YAML content. It never reloads.
func Parse(data []byte) (*Store, error) {
	defs, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Store{log: zerolog.Nop(), defs: defs}, nil
}

// FindSchema returns a schema or schema.ErrNotFound.
func (s *Store) FindSchema(ctx context.Context, appID, schemaID string) (schema.Schema, error) {
	if err := ctx.Err(); err != nil {
		return schema.Schema{}, err
	}
	defs := s.current()
	found, ok := defs.schemas[schemaKey(appID, schemaID)]
	if !ok {
		return schema.Schema{}, fmt.Errorf("schema %s/%s: %w", appID, schemaID, schema.ErrNotFound)
	}
	return found, nil
}

// FindApp returns an app or schema.ErrNotFound.
func (s *Store) FindApp(ctx context.Context, appID string) (schema.App, error) {
	if err := ctx.Err(); err != nil {
		return schema.App{}, err
	}
	defs := s.current()
	app, ok := defs.apps[appID]
	if !ok {
		return schema.App{}, fmt.Errorf("app %s: %w", appID, schema.ErrNotFound)
	}
	return app, nil
}

// Apps lists the loaded app ids in order.
func (s *Store) Apps() []string {
	defs := s.current()
	ids := make([]string, 0, len(defs.apps))
	for id := range defs.apps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Invalidate marks the definitions stale. Any schema change re-reads the
// whole file, so the arguments only feed the log.
func (s *Store) Invalidate(appID, schemaID string) {
	if s.path == "" {
		return
	}
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
	s.log.Debug().Str("app_id", appID).Str("schema_id", schemaID).Msg("schema definitions marked stale")
}

// Reload re-reads the file. On error the previous definitions stay active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	defs, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.defs = defs
	s.stale = false
	s.mu.Unlock()
	return nil
}

func (s *Store) current() definitions {
	s.mu.RLock()
	stale := s.stale
	defs := s.defs
	s.mu.RUnlock()
	if !stale {
		return defs
	}
	if err := s.Reload(); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("reload schema definitions")
		return defs
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defs
}

func load(path string) (definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return definitions{}, fmt.Errorf("read schema file: %w", err)
	}
	defs, err := parse(data)
	if err != nil {
		return definitions{}, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

func parse(data []byte) (definitions, error) {
	var doc fileYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return definitions{}, fmt.Errorf("parse schema yaml: %w", err)
	}

	defs := definitions{
		apps:    make(map[string]schema.App, len(doc.Apps)),
		schemas: make(map[string]schema.Schema),
	}
	for _, rawApp := range doc.Apps {
		app, err := convertApp(rawApp)
		if err != nil {
			return definitions{}, err
		}
		if _, dup := defs.apps[app.ID]; dup {
			return definitions{}, fmt.Errorf("duplicate app %q", app.ID)
		}
		defs.apps[app.ID] = app

		for _, rawSchema := range rawApp.Schemas {
			s, err := convertSchema(app.ID, rawSchema)
			if err != nil {
				return definitions{}, err
			}
			key := schemaKey(app.ID, s.ID)
			if _, dup := defs.schemas[key]; dup {
				return definitions{}, fmt.Errorf("duplicate schema %q in app %q", s.ID, app.ID)
			}
			defs.schemas[key] = s
		}
	}
	return defs, nil
}

func convertApp(raw appYAML) (schema.App, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return schema.App{}, fmt.Errorf("app id is required")
	}
	app := schema.App{ID: id, Name: raw.Name}
	for _, code := range raw.Languages {
		tag, err := language.Parse(code)
		if err != nil {
			return schema.App{}, fmt.Errorf("app %q: language %q: %w", id, code, err)
		}
		app.Languages = append(app.Languages, tag)
	}
	return app, nil
}

func convertSchema(appID string, raw schemaYAML) (schema.Schema, error) {
	fields, err := convertFields(raw.Fields)
	if err != nil {
		return schema.Schema{}, fmt.Errorf("schema %q in app %q: %w", raw.ID, appID, err)
	}
	s := schema.Schema{
		ID:      strings.TrimSpace(raw.ID),
		AppID:   appID,
		Name:    raw.Name,
		Version: raw.Version,
		Fields:  fields,
	}
	if err := s.Validate(); err != nil {
		return schema.Schema{}, fmt.Errorf("schema %q in app %q: %w", raw.ID, appID, err)
	}
	return s, nil
}

func convertFields(raw []fieldYAML) ([]schema.Field, error) {
	fields := make([]schema.Field, 0, len(raw))
	for _, rf := range raw {
		kind, err := schema.ParseKind(rf.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", rf.Name, err)
		}
		field := schema.Field{Name: rf.Name, Kind: kind, Localizable: rf.Localizable}
		if rf.Items != "" {
			items, err := schema.ParseKind(rf.Items)
			if err != nil {
				return nil, fmt.Errorf("field %q items: %w", rf.Name, err)
			}
			field.Items = items
		}
		if len(rf.Fields) > 0 {
			children, err := convertFields(rf.Fields)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", rf.Name, err)
			}
			field.Fields = children
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func schemaKey(appID, schemaID string) string {
	return appID + "/" + schemaID
}
