package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

// ColumnType is the logical type of a column; each Dialect maps it to SQL.
type ColumnType int

const (
	Text ColumnType = iota
	Integer
	Real
)

type Column struct {
	Name    string
	Type    ColumnType
	NotNull bool
}

// Table is a relation with a fixed schema and a unique upsert key.
type Table struct {
	Name    string
	Columns []Column
	Key     []string
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t Table) isKey(name string) bool {
	return slices.Contains(t.Key, name)
}

// Validate checks rec against the schema: every NOT NULL and key column must
// be present and non-empty, and no field may name an unknown column.
func (t Table) Validate(rec ingestion.Record) error {
	var unknown []string
	for name := range rec.Fields {
		if _, ok := t.Column(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return apperrors.Newf(apperrors.ErrInvalidRecord, "%s: unknown fields %s", t.Name, strings.Join(unknown, ", "))
	}

	var missing []string
	for _, c := range t.Columns {
		if !c.NotNull && !t.isKey(c.Name) {
			continue
		}
		if isEmpty(rec.Fields[c.Name]) {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return apperrors.Newf(apperrors.ErrInvalidRecord, "%s: missing required fields %s", t.Name, strings.Join(missing, ", "))
	}
	return nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case ingestion.Unparsed:
		return strings.TrimSpace(string(x)) == ""
	}
	return false
}

func textCol(name string) Column { return Column{Name: name, Type: Text} }
func intCol(name string) Column  { return Column{Name: name, Type: Integer} }
func realCol(name string) Column { return Column{Name: name, Type: Real} }

func required(c Column) Column {
	c.NotNull = true
	return c
}

func reviewTable(name, prefix string) Table {
	cols := []Column{
		required(textCol("day")),
		textCol("git_revision"),
		textCol("branch"),
		textCol("tool"),
		required(textCol("build_mode")),
	}
	for _, group := range []string{"flow", "sdc", "setup", prefix} {
		suffixes := []string{"reviews", "warnings", "errors"}
		if group == "flow" {
			suffixes = []string{"warnings", "errors"}
		}
		for _, s := range suffixes {
			cols = append(cols, required(intCol(group+"_"+s)))
		}
	}
	return Table{Name: name, Columns: cols, Key: []string{"day"}}
}

var (
	DVTests = Table{
		Name: "dv_tests",
		Columns: []Column{
			required(textCol("day")),
			textCol("git_revision"),
			textCol("tool"),
			textCol("block"),
			textCol("testpoint"),
			textCol("stage"),
			required(textCol("test")),
			intCol("max_runtime_s"),
			intCol("simulated_time_us"),
			intCol("total_runs"),
			intCol("passing_runs"),
			intCol("pass_rate"),
		},
		Key: []string{"day", "testpoint", "test"},
	}

	DVFailures = Table{
		Name: "dv_tests_failures",
		Columns: []Column{
			textCol("day"),
			textCol("block"),
			textCol("test"),
			textCol("identifier"),
			intCol("seed"),
			textCol("failure_message"),
		},
		Key: []string{"day", "seed"},
	}

	E2ETests = Table{
		Name: "e2e_tests",
		Columns: []Column{
			required(textCol("day")),
			textCol("git_revision"),
			required(textCol("test")),
			realCol("runtime_s"),
			textCol("state"),
		},
		Key: []string{"day", "test"},
	}

	CITests = Table{
		Name: "ci_master_tests",
		Columns: []Column{
			required(textCol("day")),
			textCol("git_revision"),
			required(textCol("name")),
			required(textCol("job")),
			realCol("runtime_s"),
			textCol("status"),
			intCol("pipeline_id"),
			textCol("pipeline_name"),
			textCol("branch"),
		},
		Key: []string{"day", "name"},
	}

	CIJobs = Table{
		Name: "ci_master_jobs",
		Columns: []Column{
			required(textCol("day")),
			required(intCol("start_time")),
			required(intCol("end_time")),
			textCol("git_revision"),
			required(textCol("name")),
			textCol("status"),
			intCol("pipeline_id"),
			textCol("pipeline_name"),
			textCol("branch"),
		},
		Key: []string{"start_time", "name"},
	}

	CDCResults = reviewTable("cdc_results", "cdc")
	RDCResults = reviewTable("rdc_results", "rdc")
)

var byKind = map[ingestion.Kind]Table{
	ingestion.KindDVTest:     DVTests,
	ingestion.KindDVFailure:  DVFailures,
	ingestion.KindE2ETest:    E2ETests,
	ingestion.KindCITest:     CITests,
	ingestion.KindCIJob:      CIJobs,
	ingestion.KindCDCSummary: CDCResults,
	ingestion.KindRDCSummary: RDCResults,
}

// TableFor returns the table that stores records of the given kind.
func TableFor(kind ingestion.Kind) (Table, error) {
	t, ok := byKind[kind]
	if !ok {
		return Table{}, apperrors.Newf(apperrors.ErrInvalidRecord, "no table for record kind %q", kind)
	}
	return t, nil
}

// Tables returns every known table sorted by name.
func Tables() []Table {
	out := make([]Table, 0, len(byKind))
	for _, t := range byKind {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Table) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (t Table) String() string {
	return fmt.Sprintf("%s(%s)", t.Name, strings.Join(t.Key, ", "))
}
