// Package pagination normalizes skip/take paging inputs.
package pagination

// PageSizeConfig configures page size normalization.
type PageSizeConfig struct {
	Default int
	Max     int
}

// Content is the paging policy for content queries.
var Content = PageSizeConfig{Default: 20, Max: 200}

// Failures is the paging policy for the projection failure listing.
var Failures = PageSizeConfig{Default: 50, Max: 500}

// ClampTake applies defaults and limits for an optional take value.
// A nil value selects the default; negative values clamp to zero.
func ClampTake(value *int, cfg PageSizeConfig) int {
	if value == nil {
		return cfg.Default
	}
	take := *value
	if take < 0 {
		return 0
	}
	if cfg.Max > 0 && take > cfg.Max {
		take = cfg.Max
	}
	return take
}

// ClampSkip clamps negative skip values to zero.
func ClampSkip(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
