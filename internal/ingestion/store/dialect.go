package store

import (
	"fmt"
	"strings"
)

// Dialect covers the few places where SQLite and PostgreSQL disagree.
type Dialect interface {
	Name() string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	ColumnType(t ColumnType) string
	// KeepsUnparsed reports whether a column of type t accepts the raw text
	// of a value that failed numeric parsing.
	KeepsUnparsed(t ColumnType) bool
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite" }
func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) ColumnType(t ColumnType) string {
	switch t {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

// SQLite column affinity stores non-numeric text as is.
func (sqliteDialect) KeepsUnparsed(ColumnType) bool { return true }

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) ColumnType(t ColumnType) string {
	switch t {
	case Integer:
		return "BIGINT"
	case Real:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func (postgresDialect) KeepsUnparsed(t ColumnType) bool { return t == Text }

var (
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
)

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteAll(idents []string) string {
	q := make([]string, len(idents))
	for i, id := range idents {
		q[i] = quote(id)
	}
	return strings.Join(q, ", ")
}

// createTableSQL builds an idempotent CREATE TABLE with a UNIQUE constraint
// on the upsert key. Existing tables are left untouched.
func createTableSQL(d Dialect, t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quote(t.Name))
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "\t%s %s", quote(c.Name), d.ColumnType(c.Type))
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\tUNIQUE (%s)\n)", quoteAll(t.Key))
	return b.String()
}

// upsertSQL inserts every column and, on key conflict, overwrites every
// non-key column with the incoming value. Columns the record lacks are bound
// as NULL, so a replacement never merges with the previous row.
func upsertSQL(d Dialect, t Table) string {
	cols := t.ColumnNames()
	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = d.Placeholder(i + 1)
	}

	var sets []string
	for _, c := range cols {
		if t.isKey(c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(c), quote(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quote(t.Name), quoteAll(cols), strings.Join(marks, ", "), quoteAll(t.Key), action)
}

func selectSQL(d Dialect, t Table) string {
	conds := make([]string, len(t.Key))
	for i, k := range t.Key {
		conds[i] = fmt.Sprintf("%s = %s", quote(k), d.Placeholder(i+1))
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		quoteAll(t.ColumnNames()), quote(t.Name), strings.Join(conds, " AND "))
}
