package loader

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"geoingest/internal/geojson"
)

type ColumnType string

const (
	ColumnBoolean ColumnType = "boolean"
	ColumnBigint  ColumnType = "bigint"
	ColumnDouble  ColumnType = "double precision"
	ColumnJSONB   ColumnType = "jsonb"
	ColumnText    ColumnType = "text"
)

const (
	GeometryColumn     = "geometry"
	FileSourceColumn   = "file_source"
	ProcessedAtColumn  = "processed_at"
	ProcessingIDColumn = "processing_id"
)

var reservedColumns = map[string]bool{
	GeometryColumn:     true,
	FileSourceColumn:   true,
	ProcessedAtColumn:  true,
	ProcessingIDColumn: true,
}

// Column maps one feature property to a table column.
type Column struct {
	Name     string
	Property string
	Type     ColumnType
}

type valueKind uint8

const (
	kindBool valueKind = 1 << iota
	kindInt
	kindFloat
	kindString
	kindComplex
)

// InferColumns returns one column per distinct property key, in first-seen
// order (keys within one feature are taken in sorted order).
func InferColumns(features []geojson.Feature) []Column {
	var order []string
	seen := map[string]valueKind{}
	for _, f := range features {
		keys := make([]string, 0, len(f.Properties))
		for k := range f.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kinds, ok := seen[k]
			if !ok {
				order = append(order, k)
			}
			seen[k] = kinds | kindOf(f.Properties[k])
		}
	}

	used := make(map[string]bool, len(order)+len(reservedColumns))
	for name := range reservedColumns {
		used[name] = true
	}
	cols := make([]Column, 0, len(order))
	for _, prop := range order {
		name := columnName(prop, used)
		used[name] = true
		cols = append(cols, Column{Name: name, Property: prop, Type: resolveType(seen[prop])})
	}
	return cols
}

func kindOf(v any) valueKind {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		return kindBool
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return kindInt
		}
		return kindFloat
	case float64:
		if t == float64(int64(t)) {
			return kindInt
		}
		return kindFloat
	case int, int64:
		return kindInt
	case string:
		return kindString
	default:
		return kindComplex
	}
}

func resolveType(kinds valueKind) ColumnType {
	switch {
	case kinds == 0:
		return ColumnText
	case kinds&kindComplex != 0:
		return ColumnJSONB
	case kinds == kindBool:
		return ColumnBoolean
	case kinds == kindInt:
		return ColumnBigint
	case kinds&^(kindInt|kindFloat) == 0:
		return ColumnDouble
	default:
		return ColumnText
	}
}

func columnName(prop string, used map[string]bool) string {
	base := strings.ReplaceAll(prop, "\x00", "")
	if strings.TrimSpace(base) == "" {
		base = "prop"
	}
	if reservedColumns[base] {
		base = "prop_" + base
	}
	base = truncateIdentifier(base, MaxIdentifierBytes)
	if !used[base] {
		return base
	}
	for n := 2; ; n++ {
		suffix := "_" + strconv.Itoa(n)
		candidate := truncateIdentifier(base, MaxIdentifierBytes-len(suffix)) + suffix
		if !used[candidate] {
			return candidate
		}
	}
}

// columnValue converts a property value to the driver value for its column.
func columnValue(v any, typ ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case ColumnBoolean:
		b, _ := v.(bool)
		return b, nil
	case ColumnBigint:
		switch t := v.(type) {
		case json.Number:
			return t.Int64()
		case float64:
			return int64(t), nil
		}
	case ColumnDouble:
		switch t := v.(type) {
		case json.Number:
			return t.Float64()
		case float64:
			return t, nil
		}
	case ColumnJSONB:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case ColumnText:
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		case bool:
			return strconv.FormatBool(t), nil
		}
	}
	return fmt.Sprint(v), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
