package loader

import (
	"strings"
	"time"

	"geoingest/internal/geojson"
)

// postgresMaxParams is the bind parameter limit of the extended protocol.
const postgresMaxParams = 65535

// lockTableSQL serializes replacements of one table for the rest of the
// transaction. DROP ... IF EXISTS alone lets two loads of a new table both
// reach CREATE TABLE.
const lockTableSQL = "SELECT pg_advisory_xact_lock(hashtext(?))"

func dropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + quoteIdent(table)
}

func createTableSQL(table string, cols []Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for _, c := range cols {
		b.WriteString(quoteIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(string(c.Type))
		b.WriteString(", ")
	}
	b.WriteString(quoteIdent(GeometryColumn) + " geometry(Geometry,4326), ")
	b.WriteString(quoteIdent(FileSourceColumn) + " text, ")
	b.WriteString(quoteIdent(ProcessedAtColumn) + " timestamptz, ")
	b.WriteString(quoteIdent(ProcessingIDColumn) + " uuid)")
	return b.String()
}

type rowMeta struct {
	fileSource   string
	processedAt  time.Time
	processingID string
}

// insertSQL builds one multi-row INSERT for batch and its bind arguments.
func insertSQL(table string, cols []Column, batch []geojson.Feature, meta rowMeta) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for _, c := range cols {
		b.WriteString(quoteIdent(c.Name))
		b.WriteString(", ")
	}
	b.WriteString(quoteIdent(GeometryColumn) + ", " + quoteIdent(FileSourceColumn) + ", " +
		quoteIdent(ProcessedAtColumn) + ", " + quoteIdent(ProcessingIDColumn) + ") VALUES ")

	placeholders := rowPlaceholders(cols)
	args := make([]any, 0, len(batch)*(len(cols)+4))
	for i, f := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, c := range cols {
			v, err := columnValue(f.Properties[c.Property], c.Type)
			if err != nil {
				return "", nil, err
			}
			args = append(args, v)
		}
		args = append(args, string(f.Geometry), meta.fileSource, meta.processedAt, meta.processingID)
	}
	return b.String(), args, nil
}

func rowPlaceholders(cols []Column) string {
	var b strings.Builder
	b.WriteByte('(')
	for _, c := range cols {
		if c.Type == ColumnJSONB {
			b.WriteString("CAST(? AS jsonb), ")
		} else {
			b.WriteString("?, ")
		}
	}
	b.WriteString("ST_SetSRID(ST_GeomFromGeoJSON(?), 4326), ?, ?, CAST(? AS uuid))")
	return b.String()
}

// batchSize caps rows per statement so the bind parameter count stays legal.
func batchSize(requested, columns int) int {
	perRow := columns + 4
	limit := postgresMaxParams / perRow
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}
