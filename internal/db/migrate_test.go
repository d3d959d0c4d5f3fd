package db

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"010_tables.sql": {Data: []byte("CREATE TABLE c (id int)")},
		"002_second.sql": {Data: []byte("CREATE TABLE b (id int)")},
		"001_first.sql":  {Data: []byte("CREATE TABLE a (id int)")},
		"README.md":      {Data: []byte("not a migration")},
		"seed.sql":       {Data: []byte("SELECT 1")},
	}
}

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	migrations, err := NewMigrator(nil, testFiles()).LoadMigrations()
	require.NoError(t, err)

	require.Len(t, migrations, 3)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "001_first.sql", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE a (id int)", migrations[0].SQL)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, 10, migrations[2].Version)
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, Migrations()).LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, "001_init.sql", migrations[0].Name)
	for _, c := range []string{
		"appointments_doctor_slot_key",
		"appointments_patient_slot_key",
		"appointments_doctor_patient_day_key",
		"appointments_status_fkey",
	} {
		assert.True(t, strings.Contains(migrations[0].SQL, c), "missing constraint %s", c)
	}
}

func TestUp_AppliesOnlyPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, time.Now()))

	for _, m := range []struct {
		version int
		name    string
		sql     string
	}{
		{2, "002_second.sql", "CREATE TABLE b (id int)"},
		{10, "010_tables.sql", "CREATE TABLE c (id int)"},
	} {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(m.sql)).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
		mock.ExpectExec("INSERT INTO _migrations").
			WithArgs(m.version, m.name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
	}

	n, err := NewMigrator(mock, testFiles()).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUp_RollsBackFailedMigration(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	files := fstest.MapFS{"001_first.sql": {Data: []byte("CREATE TABLE a (id int)")}}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id int)")).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	n, err := NewMigrator(mock, files).Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_first.sql")
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatus_ReportsAppliedAndPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	appliedAt := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM _migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, appliedAt))

	statuses, err := NewMigrator(mock, testFiles()).Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.True(t, statuses[0].Applied)
	require.NotNil(t, statuses[0].AppliedAt)
	assert.True(t, appliedAt.Equal(*statuses[0].AppliedAt))
	assert.False(t, statuses[1].Applied)
	assert.Nil(t, statuses[1].AppliedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
