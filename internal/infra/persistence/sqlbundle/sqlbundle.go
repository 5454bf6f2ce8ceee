// Package sqlbundle embeds the DDL of the durable registry stores.
package sqlbundle

import (
	_ "embed"
	"strings"
)

var (
	//go:embed sqlite.sql
	sqliteDDL string
	//go:embed postgres.sql
	postgresDDL string
)

// SQLite is the schema applied by the sqlite store.
func SQLite() string { return sqliteDDL }

// Postgres is the schema applied by the postgres store.
func Postgres() string { return postgresDDL }

// SplitStatements cuts a script into statements at lines ending in ';'.
// Blank lines and "--" comment lines are dropped; a trailing statement
// without terminator is kept.
func SplitStatements(ddl string) []string {
	var (
		out []string
		buf []string
	)
	emit := func() {
		if stmt := strings.TrimSpace(strings.Join(buf, "\n")); stmt != "" {
			out = append(out, stmt)
		}
		buf = buf[:0]
	}
	for line := range strings.Lines(ddl) {
		line = strings.TrimRight(line, "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		buf = append(buf, line)
		if strings.HasSuffix(trimmed, ";") {
			emit()
		}
	}
	emit()
	return out
}
