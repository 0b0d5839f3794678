package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
)

// listSeparator joins array values inside one CSV cell.
const listSeparator = ";"

// decodeRecord parses a raw payload into a generic object.
func decodeRecord(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec map[string]interface{}
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record is null")
	}
	return rec, nil
}

// project extracts the indexed columns for entity from rec.
func project(entity domain.EntityType, rec map[string]interface{}) []string {
	cols := entity.Columns()
	row := make([]string, len(cols))
	for i, col := range cols {
		switch col {
		case "grade":
			row[i] = firstOf(rec["grades"])
		default:
			row[i] = cell(rec[col])
		}
	}
	return row
}

func firstOf(v interface{}) string {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return ""
		}
		return cell(list[0])
	}
	return cell(v)
}

func cell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := cell(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, listSeparator)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
