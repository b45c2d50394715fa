package loader

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoingest/internal/geojson"
)

func TestDeriveTableName(t *testing.T) {
	cases := []struct {
		key    string
		prefix string
		want   string
	}{
		{key: "a/b.json", want: "a_b_json"},
		{key: "a_b_json", want: "a_b_json"},
		{key: "Uploads/City-Parks.GeoJSON", want: "uploads_city_parks_geojson"},
		{key: `win\path\file.geojson`, want: "win_path_file_geojson"},
		{key: "parks.geojson", prefix: "geojson_", want: "geojson_parks_geojson"},
	}
	for _, tc := range cases {
		if got := DeriveTableName(tc.key, tc.prefix); got != tc.want {
			t.Fatalf("DeriveTableName(%q, %q)=%q, want %q", tc.key, tc.prefix, got, tc.want)
		}
	}
}

func TestDeriveTableNameIsDeterministicAndBounded(t *testing.T) {
	key := strings.Repeat("ü", 40) + ".geojson"
	first := DeriveTableName(key, "")
	assert.Equal(t, first, DeriveTableName(key, ""))
	assert.LessOrEqual(t, len(first), MaxIdentifierBytes)
	assert.True(t, strings.HasPrefix(strings.Repeat("ü", 40), first), "truncation must keep whole runes")
}

func feature(props map[string]any) geojson.Feature {
	return geojson.Feature{
		Type:       geojson.TypeFeature,
		Geometry:   json.RawMessage(`{"type":"Point","coordinates":[0,0]}`),
		Properties: props,
	}
}

func TestInferColumnTypes(t *testing.T) {
	features := []geojson.Feature{
		feature(map[string]any{"name": "a", "count": json.Number("1"), "depth": json.Number("1"), "open": true, "tags": []any{"x"}, "mixed": json.Number("3")}),
		feature(map[string]any{"name": "b", "count": json.Number("2"), "depth": json.Number("2.5"), "open": nil, "tags": nil, "mixed": "three"}),
		feature(nil),
		feature(map[string]any{"empty": nil}),
	}
	cols := InferColumns(features)

	got := map[string]ColumnType{}
	for _, c := range cols {
		got[c.Name] = c.Type
	}
	assert.Equal(t, map[string]ColumnType{
		"count": ColumnBigint,
		"depth": ColumnDouble,
		"mixed": ColumnText,
		"name":  ColumnText,
		"open":  ColumnBoolean,
		"tags":  ColumnJSONB,
		"empty": ColumnText,
	}, got)

	// First-seen order, keys sorted within a feature.
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"count", "depth", "mixed", "name", "open", "tags", "empty"}, names)
}

func TestInferColumnNames(t *testing.T) {
	long := strings.Repeat("x", 80)
	features := []geojson.Feature{
		feature(map[string]any{
			"geometry":      "shadowed",
			"processing_id": "shadowed",
			long:            1,
			long + "y":      2,
			"":              "blank",
		}),
	}
	cols := InferColumns(features)
	byProp := map[string]string{}
	for _, c := range cols {
		byProp[c.Property] = c.Name
		assert.LessOrEqual(t, len(c.Name), MaxIdentifierBytes)
	}

	assert.Equal(t, "prop_geometry", byProp["geometry"])
	assert.Equal(t, "prop_processing_id", byProp["processing_id"])
	assert.Equal(t, "prop", byProp[""])
	assert.Equal(t, strings.Repeat("x", 63), byProp[long])
	assert.Equal(t, strings.Repeat("x", 61)+"_2", byProp[long+"y"])
}

func TestCreateTableSQL(t *testing.T) {
	cols := []Column{{Name: "name", Type: ColumnText}, {Name: `we"ird`, Type: ColumnBigint}}
	got := createTableSQL("parks", cols)
	want := `CREATE TABLE "parks" ("name" text, "we""ird" bigint, "geometry" geometry(Geometry,4326), "file_source" text, "processed_at" timestamptz, "processing_id" uuid)`
	assert.Equal(t, want, got)
}

func TestInsertSQLBindsEveryRow(t *testing.T) {
	cols := []Column{
		{Name: "name", Property: "name", Type: ColumnText},
		{Name: "tags", Property: "tags", Type: ColumnJSONB},
	}
	batch := []geojson.Feature{
		feature(map[string]any{"name": "a", "tags": []any{"x"}}),
		feature(map[string]any{"name": json.Number("7")}),
	}
	query, args, err := insertSQL("parks", cols, batch, rowMeta{fileSource: "parks.geojson", processingID: "id"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(query, `INSERT INTO "parks" ("name", "tags", "geometry", "file_source", "processed_at", "processing_id") VALUES `))
	assert.Equal(t, 2, strings.Count(query, "ST_SetSRID(ST_GeomFromGeoJSON(?), 4326)"))
	assert.Equal(t, 2, strings.Count(query, "CAST(? AS jsonb)"))
	require.Len(t, args, 12)
	assert.Equal(t, "a", args[0])
	assert.Equal(t, `["x"]`, args[1])
	assert.Equal(t, `{"type":"Point","coordinates":[0,0]}`, args[2])
	assert.Equal(t, "parks.geojson", args[3])
	assert.Equal(t, "7", args[6])
	assert.Nil(t, args[7])
}

func TestBatchSizeRespectsParameterLimit(t *testing.T) {
	assert.Equal(t, 1000, batchSize(1000, 5))
	assert.Equal(t, postgresMaxParams/(500+4), batchSize(1000, 500))
}
