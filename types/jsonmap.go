package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a parameter payload stored as jsonb in the durable store.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for sqlx writes.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for sqlx reads.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("types: cannot scan %T into JSONMap", src)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}
