package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

var testFS = fstest.MapFS{
	"001_widgets.up.sql":   {Data: []byte("create table widgets (id text);")},
	"001_widgets.down.sql": {Data: []byte("drop table widgets;")},
	"002_gadgets.up.sql":   {Data: []byte("create table gadgets (id text);\ncreate index gadgets_idx on gadgets (id);")},
	"002_gadgets.down.sql": {Data: []byte("drop table gadgets;")},
}

func TestUpAppliesOnlyPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_widgets.up.sql"))

	// Only 002 is pending; both its statements run in one transaction.
	mock.ExpectBegin()
	mock.ExpectExec("create table gadgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index gadgets_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("002_gadgets.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewManager(db, testFS)
	if err := m.Up(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownRollsBackLast(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("001_widgets.up.sql").
			AddRow("002_gadgets.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("drop table gadgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("002_gadgets.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewManager(db, testFS)
	if err := m.Down(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	m := NewManager(db, testFS)
	if err := m.Down(context.Background()); err == nil {
		t.Fatal("expected error when no migrations applied")
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Files(), ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations found")
	}
	downs, err := collectSQL(Files(), ".down.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(downs) != len(ups) {
		t.Fatalf("%d up migrations but %d down migrations", len(ups), len(downs))
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); select 1;")
	if len(stmts) != 2 {
		t.Fatalf("got %d statements: %q", len(stmts), stmts)
	}
}
