package db

import (
	"strings"

	"gorm.io/gorm"
)

// Dialect names reported by the gorm dialectors in use.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DialectName returns the dialect of conn, or "" when unknown.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SubstringMatch builds a parenthesized, case-insensitive substring filter over
// columns, returning the SQL fragment and one bound pattern per column.
// LIKE wildcards in term match literally.
func SubstringMatch(conn *gorm.DB, term string, columns ...string) (string, []any) {
	pattern := "%" + likeEscaper.Replace(term) + "%"
	sqlite := DialectName(conn) == DialectSQLite
	if sqlite {
		// SQLite LIKE only folds ASCII case.
		pattern = strings.ToLower(pattern)
	}
	conditions := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for _, column := range columns {
		if sqlite {
			conditions = append(conditions, "LOWER("+column+`) LIKE ? ESCAPE '\'`)
		} else {
			conditions = append(conditions, column+` ILIKE ? ESCAPE '\'`)
		}
		args = append(args, pattern)
	}
	return "(" + strings.Join(conditions, " OR ") + ")", args
}
