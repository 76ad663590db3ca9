// Package repositories provides pgx-backed data access for the
// engine's metadata database: semantic fields, connections, RLS
// configuration, audit records and vector embeddings.
package repositories

import (
	"encoding/json"
	"fmt"
)

// jsonbValue marshals v for a jsonb column. Nil slices and maps are
// stored as SQL NULL rather than the JSON literal null.
func jsonbValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb value: %w", err)
	}
	return b, nil
}

// scanJSON unmarshals a jsonb column into dst, treating NULL as empty.
func scanJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal jsonb value: %w", err)
	}
	return nil
}

// nullString stores empty strings as SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
