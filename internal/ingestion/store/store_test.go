package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(sqlite.OpenMemory(t), SQLite, logger.Discard())
	for _, tbl := range Tables() {
		require.NoError(t, s.EnsureTable(context.Background(), tbl))
	}
	return s
}

func e2eRecord(day, test, state string, runtime float64) ingestion.Record {
	return ingestion.NewRecord(ingestion.KindE2ETest).
		Set("day", day).
		Set("test", test).
		Set("state", state).
		Set("runtime_s", runtime)
}

func commit(t *testing.T, s *Store, recs ...ingestion.Record) {
	t.Helper()
	_, err := s.InBatch(context.Background(), func(b *Batch) error {
		for _, r := range recs {
			if err := b.Upsert(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// -----------------------------------------------------------------------
// Upsert semantics
// -----------------------------------------------------------------------

func TestUpsert_IdempotentReingest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	recs := []ingestion.Record{
		e2eRecord("2024-01-01", "rom_e2e_smoke", "PASSED", 12.3),
		e2eRecord("2024-01-01", "rom_e2e_boot", "FAILED", 40),
	}

	commit(t, s, recs...)
	first, err := s.Get(ctx, E2ETests, "2024-01-01", "rom_e2e_boot")
	require.NoError(t, err)

	commit(t, s, recs...)
	n, err := s.Count(ctx, E2ETests)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second, err := s.Get(ctx, E2ETests, "2024-01-01", "rom_e2e_boot")
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("row changed on re-ingest (-first +second):\n%s", diff)
	}
}

func TestUpsert_ReingestOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	commit(t, s, e2eRecord("2024-01-01", "y", "PASSED", 12.3))
	commit(t, s, e2eRecord("2024-01-01", "y", "PASSED", 15.0))

	n, err := s.Count(ctx, E2ETests)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := s.Get(ctx, E2ETests, "2024-01-01", "y")
	require.NoError(t, err)
	assert.Equal(t, 15.0, row["runtime_s"])
}

func TestUpsert_LaterWinsWithinBatch(t *testing.T) {
	s := newTestStore(t)
	commit(t, s,
		e2eRecord("2024-02-02", "t", "FAILED", 1),
		e2eRecord("2024-02-02", "t", "PASSED", 2),
	)
	row, err := s.Get(context.Background(), E2ETests, "2024-02-02", "t")
	require.NoError(t, err)
	assert.Equal(t, "PASSED", row["state"])
	assert.Equal(t, 2.0, row["runtime_s"])
}

func TestUpsert_ReplacesWithoutMerge(t *testing.T) {
	s := newTestStore(t)
	full := e2eRecord("2024-03-03", "t", "PASSED", 9).Set("git_revision", "abcdef0123")
	commit(t, s, full)

	partial := ingestion.NewRecord(ingestion.KindE2ETest).
		Set("day", "2024-03-03").
		Set("test", "t").
		Set("state", "TIMEOUT")
	commit(t, s, partial)

	row, err := s.Get(context.Background(), E2ETests, "2024-03-03", "t")
	require.NoError(t, err)
	assert.Equal(t, "TIMEOUT", row["state"])
	assert.Nil(t, row["git_revision"])
	assert.Nil(t, row["runtime_s"])
}

func TestUpsert_QuoteDelimitersRoundTrip(t *testing.T) {
	s := newTestStore(t)
	msg := `UVM_ERROR: expected 'a' got "b"; DROP TABLE dv_tests; --`
	ident := `Offending '\''rdata'\'' (0x1 [1] vs 0x0 [0])`
	rec := ingestion.NewRecord(ingestion.KindDVFailure).
		Set("day", "2024-04-04 01:02:03").
		Set("block", "aes").
		Set("test", "aes_smoke").
		Set("identifier", ident).
		Set("seed", int64(123456789)).
		Set("failure_message", msg)
	commit(t, s, rec)

	row, err := s.Get(context.Background(), DVFailures, "2024-04-04 01:02:03", int64(123456789))
	require.NoError(t, err)
	assert.Equal(t, msg, row["failure_message"])
	assert.Equal(t, ident, row["identifier"])

	n, err := s.Count(context.Background(), DVTests)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsert_UnparsedStoredAsText(t *testing.T) {
	s := newTestStore(t)
	rec := ingestion.NewRecord(ingestion.KindDVTest).
		Set("day", "d").
		Set("testpoint", "tp").
		Set("test", "t").
		Set("pass_rate", ingestion.ParseInt("n/a"))
	commit(t, s, rec)

	row, err := s.Get(context.Background(), DVTests, "d", "tp", "t")
	require.NoError(t, err)
	assert.Equal(t, "n/a", row["pass_rate"])
}

func TestBindValue_UnparsedPerDialect(t *testing.T) {
	u := ingestion.ParseInt("n/a")
	passRate, _ := DVTests.Column("pass_rate")
	tool, _ := DVTests.Column("tool")

	assert.Equal(t, "n/a", bindValue(SQLite, passRate, u))
	assert.Nil(t, bindValue(Postgres, passRate, u))
	assert.Equal(t, "n/a", bindValue(Postgres, tool, u))
	assert.Equal(t, int64(3), bindValue(Postgres, passRate, 3))
}

func TestValidateFor_RequiredUnparsed(t *testing.T) {
	rec := reviewRecord(ingestion.KindRDCSummary, "rdc").Set("rdc_warnings", ingestion.ParseInt("many"))

	assert.NoError(t, validateFor(SQLite, RDCResults, rec))
	err := validateFor(Postgres, RDCResults, rec)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRecord)
	assert.ErrorContains(t, err, `rdc_warnings is not numeric: "many"`)

	// A nullable numeric column only loses the value.
	dv := ingestion.NewRecord(ingestion.KindDVTest).Set("day", "d").Set("testpoint", "tp").Set("test", "t").
		Set("pass_rate", ingestion.ParseInt("n/a"))
	assert.NoError(t, validateFor(Postgres, DVTests, dv))
}

func TestStoreValidate(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Validate(e2eRecord("d", "t", "PASSED", 1)))
	assert.ErrorIs(t, s.Validate(ingestion.NewRecord("bogus")), apperrors.ErrInvalidRecord)
}

// -----------------------------------------------------------------------
// Validation and batch failure
// -----------------------------------------------------------------------

func TestUpsert_RejectsMissingRequiredField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, e2eRecord("2024-05-05", "ok", "PASSED", 1)))

	bad := ingestion.NewRecord(ingestion.KindE2ETest).Set("day", "2024-05-05").Set("state", "PASSED")
	err = b.Upsert(ctx, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStore)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRecord)
	assert.Contains(t, err.Error(), "missing required fields test")

	assert.ErrorIs(t, b.Upsert(ctx, e2eRecord("2024-05-05", "later", "PASSED", 1)), apperrors.ErrInvalidRecord)
	assert.ErrorIs(t, b.Commit(), apperrors.ErrStore)
	require.NoError(t, b.Rollback())

	n, err := s.Count(ctx, E2ETests)
	require.NoError(t, err)
	assert.Zero(t, n, "a failed batch leaves no rows")
}

func TestValidate(t *testing.T) {
	err := E2ETests.Validate(e2eRecord("d", "t", "PASSED", 1).Set("seed", int64(1)))
	assert.ErrorIs(t, err, apperrors.ErrInvalidRecord)
	assert.Contains(t, err.Error(), "unknown fields seed")

	err = DVTests.Validate(ingestion.NewRecord(ingestion.KindDVTest).Set("day", "d").Set("test", "t").Set("testpoint", "  "))
	assert.ErrorContains(t, err, "missing required fields testpoint")

	assert.NoError(t, CDCResults.Validate(reviewRecord(ingestion.KindCDCSummary, "cdc")))
}

func reviewRecord(kind ingestion.Kind, prefix string) ingestion.Record {
	rec := ingestion.NewRecord(kind).Set("day", "2024-06-06T00:00:00").Set("build_mode", "default")
	for _, c := range []string{"flow_warnings", "flow_errors", "sdc_reviews", "sdc_warnings", "sdc_errors",
		"setup_reviews", "setup_warnings", "setup_errors", prefix + "_reviews", prefix + "_warnings", prefix + "_errors"} {
		rec.Set(c, int64(0))
	}
	return rec
}

func TestRollback_DiscardsUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, reviewRecord(ingestion.KindRDCSummary, "rdc")))
	assert.Equal(t, map[string]int{"rdc_results": 1}, b.Rows())
	require.NoError(t, b.Rollback())

	_, err = s.Get(ctx, RDCResults, "2024-06-06T00:00:00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureTable_Idempotent(t *testing.T) {
	db := sqlite.OpenMemory(t)
	ctx := context.Background()
	s := New(db, SQLite, logger.Discard())
	require.NoError(t, s.EnsureTables(ctx, ingestion.KindCIJob, ingestion.KindCITest))
	commit(t, s, ingestion.NewRecord(ingestion.KindCIJob).
		Set("day", "2024-07-07 00:00:00").
		Set("start_time", int64(1720310400000)).
		Set("end_time", int64(1720310500000)).
		Set("name", "Lint"))

	again := New(db, SQLite, logger.Discard())
	require.NoError(t, again.EnsureTables(ctx, ingestion.KindCIJob))

	n, err := again.Count(ctx, CIJobs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// -----------------------------------------------------------------------
// SQL generation
// -----------------------------------------------------------------------

func TestUpsertSQL_Postgres(t *testing.T) {
	want := `INSERT INTO "e2e_tests" ("day", "git_revision", "test", "runtime_s", "state") ` +
		`VALUES ($1, $2, $3, $4, $5) ON CONFLICT ("day", "test") ` +
		`DO UPDATE SET "git_revision" = excluded."git_revision", "runtime_s" = excluded."runtime_s", "state" = excluded."state"`
	if diff := cmp.Diff(want, upsertSQL(Postgres, E2ETests)); diff != "" {
		t.Errorf("upsert SQL mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateTableSQL(t *testing.T) {
	got := createTableSQL(Postgres, CIJobs)
	assert.Contains(t, got, `CREATE TABLE IF NOT EXISTS "ci_master_jobs"`)
	assert.Contains(t, got, `"start_time" BIGINT NOT NULL`)
	assert.Contains(t, got, `UNIQUE ("start_time", "name")`)

	assert.Contains(t, createTableSQL(SQLite, E2ETests), `"runtime_s" REAL`)
}

func TestTableFor(t *testing.T) {
	tbl, err := TableFor(ingestion.KindCITest)
	require.NoError(t, err)
	assert.Equal(t, "ci_master_tests", tbl.Name)

	_, err = TableFor("unknown")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRecord)
	assert.Len(t, Tables(), 7)
}
