// Package schema models content-type schemas and apps as read-only
// references owned by the schema service.
//
// A schema is an ordered list of fields over a closed set of value kinds.
// The query layer never reflects over stored documents; it derives
// everything it needs from these definitions.
//
// # Raw values
//
// Raw field data arrives as decoded JSON. ParseValue converts one raw value
// into its typed form for a given kind: strings stay strings, numbers become
// float64, booleans stay bool and dates become unix milliseconds (int64).
package schema
