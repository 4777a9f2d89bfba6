package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/querymodel"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

// applyFunc folds evt into the current record. The typed projection is
// refreshed against the current schema when evt replaces field data or when
// the record was typed with an older schema version. Schemas are resolved
// inside the callback so redelivered events never touch the provider.
func (e *Engine) applyFunc(evt content.Event) storage.ApplyFunc {
	return func(ctx context.Context, current *content.Record) (content.Record, error) {
		next, err := content.Apply(current, evt)
		if err != nil {
			return content.Record{}, newApplyError(evt, err)
		}
		dataChanged := content.DataChanged(evt)
		if !dataChanged && next.Deleted {
			return next, nil
		}

		s, app, err := e.resolveSchema(ctx, evt.AppID, next.SchemaID)
		if err != nil {
			if errors.Is(err, schema.ErrNotFound) {
				if !dataChanged {
					return next, nil
				}
				return content.Record{}, newApplyError(evt, err)
			}
			return content.Record{}, err
		}
		if !dataChanged && s.Version == next.SchemaVersion {
			return next, nil
		}
		typed, err := querymodel.Project(s, app, next.Data)
		if err != nil {
			return content.Record{}, newApplyError(evt, err)
		}
		next.Typed = typed
		next.SchemaVersion = s.Version
		return next, nil
	}
}

func (e *Engine) resolveSchema(ctx context.Context, appID, schemaID string) (schema.Schema, schema.App, error) {
	s, err := e.cfg.Schemas.FindSchema(ctx, appID, schemaID)
	if err != nil {
		return schema.Schema{}, schema.App{}, fmt.Errorf("find schema %s/%s: %w", appID, schemaID, err)
	}
	app, err := e.cfg.Schemas.FindApp(ctx, appID)
	if err != nil {
		return schema.Schema{}, schema.App{}, fmt.Errorf("find app %s: %w", appID, err)
	}
	return s, app, nil
}
