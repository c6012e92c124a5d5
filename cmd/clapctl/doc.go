package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// keyField is the document field used as the row key.
const keyField = "key"

// doc is a schemaless row.
type doc map[string]any

func (d doc) Key() string {
	return fieldString(d[keyField])
}

func (d doc) SameAs(doc) bool { return true }

func fieldString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// JSON numbers
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// normalizeKey makes the key field a string so that keys read back from JSON
// compare equal to the ones given on the command line.
func (d doc) normalizeKey() error {
	v, ok := d[keyField]
	if !ok || v == nil {
		return fmt.Errorf("document has no %q field", keyField)
	}
	switch v.(type) {
	case map[string]any, []any:
		return fmt.Errorf("%q must be a scalar, got %v", keyField, v)
	}
	d[keyField] = fieldString(v)
	return nil
}

// columns returns the union of the documents' fields, key first and the rest
// sorted.
func columns(docs []doc) []string {
	seen := map[string]bool{keyField: true}
	var rest []string
	for _, d := range docs {
		for k := range d {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	slices.Sort(rest)
	return append([]string{keyField}, rest...)
}

// where is a conjunction of field=value conditions.
type where map[string]string

func parseWhere(exprs []string) (where, error) {
	w := make(where, len(exprs))
	for _, e := range exprs {
		field, value, ok := strings.Cut(e, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid condition %q, wanted field=value", e)
		}
		w[field] = value
	}
	return w, nil
}

func (w where) match(d doc) bool {
	for field, value := range w {
		v, ok := d[field]
		if !ok || fieldString(v) != value {
			return false
		}
	}
	return true
}
