package duckdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Int64ListLiteral renders ids as a DuckDB list literal, e.g. "[1, 2, 3]".
func Int64ListLiteral(ids []int64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatInt(id, 10))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Int64s converts a scanned DuckDB list to []int64. The driver returns lists as []any.
func Int64s(val any) ([]int64, error) {
	if val == nil {
		return nil, nil
	}
	arr, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected type for list: %T", val)
	}
	ids := make([]int64, len(arr))
	for i, elem := range arr {
		switch v := elem.(type) {
		case int64:
			ids[i] = v
		case int32:
			ids[i] = int64(v)
		case int:
			ids[i] = int64(v)
		default:
			return nil, fmt.Errorf("unexpected list element type: %T", elem)
		}
	}
	return ids, nil
}
