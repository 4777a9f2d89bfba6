package schemastore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
)

const blogYAML = `
apps:
  - id: blog
    name: Blog
    languages: [en, de-CH]
    schemas:
      - id: article
        name: Article
        version: 3
        fields:
          - name: title
            kind: string
          - name: views
            kind: number
          - name: summary
            kind: string
            localizable: true
          - name: meta
            kind: object
            fields:
              - name: rating
                kind: number
          - name: tags
            kind: array
            items: string
`

func TestParseLoadsDefinitions(t *testing.T) {
	store, err := Parse([]byte(blogYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()

	app, err := store.FindApp(ctx, "blog")
	if err != nil {
		t.Fatalf("find app: %v", err)
	}
	if len(app.Languages) != 2 || app.MasterLanguage().String() != "en" || app.Languages[1].String() != "de-CH" {
		t.Fatalf("unexpected languages: %v", app.Languages)
	}

	article, err := store.FindSchema(ctx, "blog", "article")
	if err != nil {
		t.Fatalf("find schema: %v", err)
	}
	if article.Version != 3 || article.AppID != "blog" || len(article.Fields) != 5 {
		t.Fatalf("unexpected schema: %+v", article)
	}
	meta := article.Fields[3]
	if meta.Kind != schema.KindObject || len(meta.Fields) != 1 || meta.Fields[0].Kind != schema.KindNumber {
		t.Fatalf("unexpected object field: %+v", meta)
	}
	if tags := article.Fields[4]; tags.Kind != schema.KindArray || tags.Items != schema.KindString {
		t.Fatalf("unexpected array field: %+v", tags)
	}
	if !article.Fields[2].Localizable {
		t.Fatal("expected summary to be localizable")
	}
}

func TestAppsSorted(t *testing.T) {
	store, err := Parse([]byte("apps:\n  - id: shop\n  - id: blog\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := store.Apps(); len(got) != 2 || got[0] != "blog" || got[1] != "shop" {
		t.Fatalf("apps = %v", got)
	}
}

func TestFindReportsNotFound(t *testing.T) {
	store, err := Parse([]byte(blogYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := store.FindSchema(context.Background(), "blog", "page"); !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected schema not found, got %v", err)
	}
	if _, err := store.FindApp(context.Background(), "shop"); !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected app not found, got %v", err)
	}
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "syntax", yaml: "apps: [\n"},
		{name: "missing app id", yaml: "apps:\n  - schemas: []\n"},
		{name: "bad language", yaml: "apps:\n  - id: blog\n    languages: ['not a tag!']\n"},
		{name: "unknown kind", yaml: "apps:\n  - id: blog\n    schemas:\n      - id: a\n        fields:\n          - {name: x, kind: blob}\n"},
		{name: "bad field name", yaml: "apps:\n  - id: blog\n    schemas:\n      - id: a\n        fields:\n          - {name: 1x, kind: string}\n"},
		{name: "duplicate schema", yaml: "apps:\n  - id: blog\n    schemas:\n      - {id: a}\n      - {id: a}\n"},
		{name: "duplicate app", yaml: "apps:\n  - id: blog\n  - id: blog\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestInvalidateReloadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	writeFile(t, path, blogYAML)

	store, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	updated := "apps:\n  - id: blog\n    schemas:\n      - id: article\n        version: 4\n        fields:\n          - {name: title, kind: string}\n"
	writeFile(t, path, updated)

	article, err := store.FindSchema(context.Background(), "blog", "article")
	if err != nil || article.Version != 3 {
		t.Fatalf("expected cached version 3 before invalidate, got %d, %v", article.Version, err)
	}

	store.Invalidate("blog", "article")
	article, err = store.FindSchema(context.Background(), "blog", "article")
	if err != nil || article.Version != 4 {
		t.Fatalf("expected version 4 after invalidate, got %d, %v", article.Version, err)
	}

	// A broken edit keeps the last good definitions.
	writeFile(t, path, "apps: [\n")
	store.Invalidate("blog", "article")
	article, err = store.FindSchema(context.Background(), "blog", "article")
	if err != nil || article.Version != 4 {
		t.Fatalf("expected version 4 after broken reload, got %d, %v", article.Version, err)
	}
}

func TestOpenRequiresReadableFile(t *testing.T) {
	if _, err := Open("", zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.yaml"), zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
