package loader

import (
	"strings"
	"unicode/utf8"
)

// MaxIdentifierBytes is the PostgreSQL NAMEDATALEN limit minus the terminator.
const MaxIdentifierBytes = 63

// DefaultTablePrefix keeps derived tables apart from the rest of the schema.
const DefaultTablePrefix = "geojson_"

var tableNameReplacer = strings.NewReplacer("/", "_", `\`, "_", ".", "_", "-", "_")

// DeriveTableName maps an object key to its target table. Distinct keys may
// collide ("a/b.json" and "a_b_json"); the later load replaces the earlier.
func DeriveTableName(key, prefix string) string {
	name := strings.ToLower(prefix + tableNameReplacer.Replace(key))
	return truncateIdentifier(name, MaxIdentifierBytes)
}

func truncateIdentifier(name string, max int) string {
	if len(name) <= max {
		return name
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
