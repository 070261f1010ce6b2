package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a JSONB column holding an arbitrary object.
// A NULL column scans to a nil map.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// JSONValue is a JSONB column holding any JSON value (object, array,
// scalar, or null). Used for cell values where the payload shape varies
// per column type.
type JSONValue struct {
	V any
}

// Value implements driver.Valuer.
func (j JSONValue) Value() (driver.Value, error) {
	if j.V == nil {
		return nil, nil
	}
	return json.Marshal(j.V)
}

// MarshalJSON serializes the wrapped value directly.
func (j JSONValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.V)
}

// UnmarshalJSON deserializes into the wrapped value.
func (j *JSONValue) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &j.V)
}

// Scan implements sql.Scanner.
func (j *JSONValue) Scan(src any) error {
	if src == nil {
		j.V = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, &j.V)
	case string:
		return json.Unmarshal([]byte(v), &j.V)
	default:
		return fmt.Errorf("cannot scan %T into JSONValue", src)
	}
}
